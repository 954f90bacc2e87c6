package ollama

import (
	"context"
	"fmt"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
	"github.com/kirillkom/document-pipeline/internal/infrastructure/extraction"
)

const VisionPriority = 100

// VisionEngine is the layout-aware extraction engine backed by a local
// vision model. It only handles raster images.
type VisionEngine struct {
	client *Client
}

func NewVisionEngine(client *Client) *VisionEngine {
	return &VisionEngine{client: client}
}

func (e *VisionEngine) Name() string { return domain.CapabilityOllamaVision }

func (e *VisionEngine) Priority() int { return VisionPriority }

func (e *VisionEngine) Supports(mimeType string) bool { return extraction.IsImage(mimeType) }

func (e *VisionEngine) Extract(ctx context.Context, in extraction.Input) (extraction.Output, error) {
	if len(in.Content) == 0 {
		return extraction.Output{}, nil
	}
	text, err := e.client.DescribeImage(ctx, in.Content)
	if err != nil {
		return extraction.Output{}, err
	}
	return extraction.Output{
		Text:       text,
		Confidence: extraction.EstimateConfidence(text),
		Pages:      1,
	}, nil
}

// Probe checks that the server answers and the vision model is pulled.
func (e *VisionEngine) Probe(ctx context.Context) (string, error) {
	ok, err := e.client.HasModel(ctx, e.client.VisionModel())
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("model %s not pulled", e.client.VisionModel())
	}
	return e.client.String(), nil
}
