package ports

import (
	"context"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
)

// PipelineService is the inbound contract used by the API layer.
type PipelineService interface {
	Submit(ctx context.Context, content []byte, mimeType, filename string) (*domain.Submission, error)
	GetStatus(ctx context.Context, processingID string) (*domain.ProcessingRecord, error)
	Cancel(ctx context.Context, processingID string) (bool, error)
	Reprocess(ctx context.Context, documentID string) (*domain.Submission, error)
	ListByDocument(ctx context.Context, documentID string) ([]*domain.ProcessingRecord, error)
}

// PipelineRunner executes one queued pipeline run.
type PipelineRunner interface {
	RunByID(ctx context.Context, processingID string) error
}

// CapabilityReporter exposes the startup capability probe results.
type CapabilityReporter interface {
	Report() []domain.Capability
}
