// Package entities runs independent pattern and lexicon detectors over
// extracted text. A detector that fails leaves its own type empty and is
// reported in the bundle's Failures; the others are unaffected.
package entities

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
)

// Detector finds all entities of one type. Detect must be a pure function of
// text; an error empties that type and is reported in the bundle's Failures.
type Detector struct {
	Type   string
	Detect func(text string) ([]string, error)
}

type Extractor struct {
	detectors []Detector
	logger    *slog.Logger
}

// New runs detectors in the given order; with none given the built-in set is used.
func New(logger *slog.Logger, detectors ...Detector) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	if len(detectors) == 0 {
		detectors = DefaultDetectors()
	}
	return &Extractor{detectors: detectors, logger: logger}
}

func (e *Extractor) ExtractEntities(ctx context.Context, text string) (domain.EntityBundle, error) {
	bundle := domain.EntityBundle{Entities: make(map[string][]string, len(e.detectors))}
	for _, d := range e.detectors {
		if err := ctx.Err(); err != nil {
			return domain.EntityBundle{}, err
		}
		found, err := runDetector(d, text)
		if err != nil {
			if bundle.Failures == nil {
				bundle.Failures = make(map[string]string)
			}
			bundle.Failures[d.Type] = err.Error()
			bundle.Entities[d.Type] = []string{}
			e.logger.Warn("entity_detector_failed", "entity_type", d.Type, "error", err)
			continue
		}
		bundle.Entities[d.Type] = dedupe(found)
	}
	return bundle, nil
}

func runDetector(d Detector, text string) (found []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			found = nil
			err = fmt.Errorf("detector %s panicked: %v", d.Type, r)
		}
	}()
	if d.Detect == nil {
		return nil, fmt.Errorf("detector %s has no implementation", d.Type)
	}
	found, err = d.Detect(text)
	if err != nil {
		return nil, fmt.Errorf("detector %s: %w", d.Type, err)
	}
	return found, nil
}

// dedupe keeps the first occurrence of each value, comparing case-insensitively
// after collapsing whitespace.
func dedupe(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.Join(strings.Fields(v), " ")
		if v == "" {
			continue
		}
		key := strings.ToLower(v)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	return out
}
