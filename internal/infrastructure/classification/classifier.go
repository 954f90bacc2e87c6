// Package classification assigns each document one label from the fixed
// domain.DocumentTypes set: a naive Bayes model when one is loaded, and
// deterministic keyword rules otherwise.
package classification

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
	"github.com/kirillkom/document-pipeline/internal/infrastructure/textproc"
)

const maxReasoningTokens = 5

type Config struct {
	// ModelFloor is the minimum top posterior before the model result is
	// discarded in favour of the keyword rules.
	ModelFloor float64
	// Floor is the minimum confidence for a label other than "other".
	Floor float64
	TopK  int
	// Saturation is the keyword density at which a label's strength reaches 1.
	Saturation float64
}

func DefaultConfig() Config {
	return Config{
		ModelFloor: 0.55,
		Floor:      0.30,
		TopK:       3,
		Saturation: 0.05,
	}
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.ModelFloor <= 0 || c.ModelFloor > 1 {
		c.ModelFloor = def.ModelFloor
	}
	if c.Floor < 0 || c.Floor > 1 {
		c.Floor = def.Floor
	}
	if c.TopK <= 0 {
		c.TopK = def.TopK
	}
	if c.Saturation <= 0 {
		c.Saturation = def.Saturation
	}
	return c
}

type Classifier struct {
	cfg    Config
	model  *Model
	rules  []compiledRule
	logger *slog.Logger
}

// New builds a classifier. model may be nil, in which case every document is
// classified by the keyword rules and marked degraded.
func New(cfg Config, model *Model, rules []Rule, logger *slog.Logger) (*Classifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	compiled, err := compileRules(rules)
	if err != nil {
		return nil, err
	}
	return &Classifier{
		cfg:    cfg.normalize(),
		model:  model,
		rules:  compiled,
		logger: logger,
	}, nil
}

func (c *Classifier) Classify(ctx context.Context, text string) (domain.ClassificationResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.ClassificationResult{}, err
	}

	if c.model != nil {
		pred := c.model.Predict(text)
		ranked := rank(pred.Candidates)
		if len(ranked) > 0 && ranked[0].Confidence >= c.cfg.ModelFloor {
			return c.finish(ranked, pred.Tokens, domain.MethodNaiveBayes, false), nil
		}
		c.logger.Debug("classifier_model_below_floor", "floor", c.cfg.ModelFloor)
	}

	candidates, evidence := c.keywordScores(text)
	ranked := rank(candidates)
	var tokens []string
	if len(ranked) > 0 {
		tokens = evidence[ranked[0].Type]
	}
	return c.finish(ranked, tokens, domain.MethodKeywordRules, true), nil
}

// keywordScores applies strength × share per label:
// strength = min(1, (hits/words)/saturation), share = hits/Σhits.
func (c *Classifier) keywordScores(text string) ([]domain.ClassificationCandidate, map[domain.DocumentType][]string) {
	tokens := textproc.Tokenize(text)
	joined := " " + strings.Join(tokens, " ") + " "
	wordCount := len(tokens)

	hits := make([]int, len(c.rules))
	evidence := make(map[domain.DocumentType][]string, len(c.rules))
	total := 0
	for i, r := range c.rules {
		n, ev := r.match(text, tokens, joined)
		hits[i] = n
		total += n
		if len(ev) > maxReasoningTokens {
			ev = ev[:maxReasoningTokens]
		}
		evidence[r.label] = ev
	}

	out := make([]domain.ClassificationCandidate, len(c.rules))
	for i, r := range c.rules {
		conf := 0.0
		if total > 0 && wordCount > 0 && hits[i] > 0 {
			density := float64(hits[i]) / float64(wordCount)
			strength := math.Min(1, density/c.cfg.Saturation)
			share := float64(hits[i]) / float64(total)
			conf = strength * share
		}
		out[i] = domain.ClassificationCandidate{Type: r.label, Confidence: domain.ClampConfidence(conf)}
	}
	return out, evidence
}

func (c *Classifier) finish(ranked []domain.ClassificationCandidate, tokens []string, method string, degraded bool) domain.ClassificationResult {
	res := domain.ClassificationResult{
		Method:   method,
		Degraded: degraded,
	}
	if len(ranked) == 0 || ranked[0].Confidence < c.cfg.Floor {
		res.DocumentType = domain.TypeOther
		res.LowConfidence = true
		if len(ranked) > 0 {
			res.Confidence = ranked[0].Confidence
		}
	} else {
		res.DocumentType = ranked[0].Type
		res.Confidence = ranked[0].Confidence
		res.ReasoningTokens = append([]string(nil), tokens...)
	}
	res.Alternatives = alternatives(ranked, res.DocumentType, c.cfg.TopK)
	return res
}

// rank sorts by confidence descending, breaking ties by enumeration order.
func rank(candidates []domain.ClassificationCandidate) []domain.ClassificationCandidate {
	out := append([]domain.ClassificationCandidate(nil), candidates...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].Type.Rank() < out[j].Type.Rank()
	})
	return out
}

func alternatives(ranked []domain.ClassificationCandidate, primary domain.DocumentType, k int) []domain.ClassificationCandidate {
	out := make([]domain.ClassificationCandidate, 0, k)
	for _, cand := range ranked {
		if len(out) == k {
			break
		}
		if cand.Type == primary {
			continue
		}
		out = append(out, cand)
	}
	return out
}
