package ports

import (
	"context"
	"io"
	"time"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
)

// RecordStore persists processing records. Create must reject a second
// non-terminal record for the same document with domain.ErrAlreadyInFlight.
// Save must never clear a cancel flag set through RequestCancel.
type RecordStore interface {
	Create(ctx context.Context, rec *domain.ProcessingRecord) error
	Save(ctx context.Context, rec *domain.ProcessingRecord) error
	Get(ctx context.Context, id string) (*domain.ProcessingRecord, error)
	FindActiveByDocument(ctx context.Context, documentID string) (*domain.ProcessingRecord, error)
	ListByDocument(ctx context.Context, documentID string) ([]*domain.ProcessingRecord, error)
	// ListActive returns every non-terminal record, oldest first.
	ListActive(ctx context.Context) ([]*domain.ProcessingRecord, error)
	RequestCancel(ctx context.Context, id string) (bool, error)
	CancelRequested(ctx context.Context, id string) (bool, error)
}

// ObjectStorage stores source documents.
type ObjectStorage interface {
	Save(ctx context.Context, key string, data io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// JobQueue hands a processing id to the worker side.
type JobQueue interface {
	Enqueue(ctx context.Context, processingID string) error
}

// JobHandler receives one queued run and the time it was enqueued.
type JobHandler func(ctx context.Context, processingID string, enqueuedAt time.Time) error

// JobConsumer delivers queued processing ids until ctx is done.
type JobConsumer interface {
	Consume(ctx context.Context, handler JobHandler) error
}

// TextExtractor runs the prioritised engine chain over document content.
type TextExtractor interface {
	Extract(ctx context.Context, doc domain.Document, content []byte) (domain.ExtractionResult, error)
}

// DocumentClassifier assigns exactly one label from domain.DocumentTypes.
type DocumentClassifier interface {
	Classify(ctx context.Context, text string) (domain.ClassificationResult, error)
}

// EntityExtractor runs isolated detectors over text.
type EntityExtractor interface {
	ExtractEntities(ctx context.Context, text string) (domain.EntityBundle, error)
}

// Summarizer builds a bounded extractive summary.
type Summarizer interface {
	Summarize(ctx context.Context, text string, maxSentences int) (domain.SummaryResult, error)
}

// CapabilityRegistry answers which optional engines/models were available at startup.
type CapabilityRegistry interface {
	Available(name string) bool
}

// PipelineMetrics receives orchestration observations.
type PipelineMetrics interface {
	RunStarted()
	RunFinished(status domain.DocumentStatus, duration time.Duration)
	StageFinished(stage domain.StageName, status domain.StageStatus, duration time.Duration)
	Degraded(stage domain.StageName)
	QueueLag(lag time.Duration)
}
