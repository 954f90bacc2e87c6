package extraction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
	"github.com/kirillkom/document-pipeline/internal/core/ports"
)

const DefaultConfidenceThreshold = 0.85

type Extractor struct {
	engines   []Engine
	registry  ports.CapabilityRegistry
	threshold float64
	logger    *slog.Logger
}

// NewExtractor orders engines by descending priority; engines with equal
// priority keep their argument order.
func NewExtractor(registry ports.CapabilityRegistry, threshold float64, logger *slog.Logger, engines ...Engine) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultConfidenceThreshold
	}
	ordered := append([]Engine(nil), engines...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority() > ordered[j].Priority()
	})
	return &Extractor{
		engines:   ordered,
		registry:  registry,
		threshold: threshold,
		logger:    logger,
	}
}

// Extract walks the engine chain. It fails only when no engine produced any
// text; low confidence alone yields the best result with Degraded set.
func (e *Extractor) Extract(ctx context.Context, doc domain.Document, content []byte) (domain.ExtractionResult, error) {
	in := Input{
		MimeType: NormalizeMIME(doc.MimeType, content),
		Filename: doc.Filename,
		Content:  content,
	}

	var (
		best     *domain.ExtractionResult
		degraded bool
		attempts []domain.EngineAttempt
	)

	for _, engine := range e.engines {
		if !engine.Supports(in.MimeType) {
			continue
		}
		if err := contextError(ctx); err != nil {
			return domain.ExtractionResult{Attempts: attempts}, err
		}

		name := engine.Name()
		if e.registry != nil && !e.registry.Available(name) {
			degraded = true
			attempts = append(attempts, domain.EngineAttempt{Engine: name, Skipped: true, Error: "unavailable"})
			e.logger.Debug("engine_skipped", "engine", name, "document_id", doc.ID, "reason", "unavailable")
			continue
		}

		out, err := runEngine(ctx, engine, in)
		if err != nil {
			if ctxErr := contextError(ctx); ctxErr != nil {
				attempts = append(attempts, domain.EngineAttempt{Engine: name, Error: err.Error()})
				return domain.ExtractionResult{Attempts: attempts}, ctxErr
			}
			if domain.IsKind(err, domain.ErrDependencyUnavailable) {
				degraded = true
			}
			attempts = append(attempts, domain.EngineAttempt{Engine: name, Error: err.Error()})
			e.logger.Warn("engine_failed", "engine", name, "document_id", doc.ID, "mime_type", in.MimeType, "error", err)
			continue
		}

		text := strings.TrimSpace(out.Text)
		confidence := domain.ClampConfidence(out.Confidence)
		attempts = append(attempts, domain.EngineAttempt{Engine: name, Confidence: confidence})
		if text == "" {
			e.logger.Debug("engine_empty_text", "engine", name, "document_id", doc.ID)
			continue
		}

		result := domain.ExtractionResult{
			Text:       text,
			Confidence: confidence,
			Engine:     name,
			WordCount:  WordCount(text),
			Pages:      out.Pages,
		}
		if confidence >= e.threshold {
			result.Degraded = degraded
			result.Attempts = attempts
			return result, nil
		}
		if best == nil || confidence > best.Confidence {
			best = &result
		}
	}

	if best != nil {
		best.Degraded = true
		best.Attempts = attempts
		e.logger.Info("extraction_below_threshold",
			"document_id", doc.ID,
			"engine", best.Engine,
			"confidence", best.Confidence,
			"threshold", e.threshold,
		)
		return *best, nil
	}

	return domain.ExtractionResult{Attempts: attempts}, domain.WrapError(
		domain.ErrExtractionFailed,
		"extract text",
		fmt.Errorf("%s: %d engine attempts for %s", domain.ReasonNoEngineProducedText, len(attempts), in.MimeType),
	)
}

func runEngine(ctx context.Context, engine Engine, in Input) (out Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine %s panicked: %v", engine.Name(), r)
		}
	}()
	return engine.Extract(ctx, in)
}

func contextError(ctx context.Context) error {
	err := ctx.Err()
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return domain.WrapError(domain.ErrStageTimeout, "extract text", err)
	default:
		return domain.WrapError(domain.ErrCancelled, "extract text", err)
	}
}
