// Package capability records which optional engines and models the process
// can use. It is populated once at startup and read concurrently afterwards.
package capability

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
)

const defaultProbeTimeout = 3 * time.Second

// Probe checks a single optional dependency. A nil error marks it available.
type Probe struct {
	Name  string
	Check func(ctx context.Context) (detail string, err error)
}

type Registry struct {
	logger *slog.Logger

	mu    sync.RWMutex
	caps  map[string]domain.Capability
	order []string
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger: logger,
		caps:   make(map[string]domain.Capability),
	}
}

// Register records a capability without probing, e.g. for built-in engines.
func (r *Registry) Register(name string, available bool, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.caps[name]; !ok {
		r.order = append(r.order, name)
	}
	r.caps[name] = domain.Capability{Name: name, Available: available, Detail: detail}
}

// Probe runs every probe with its own timeout and records the outcome.
func (r *Registry) Probe(ctx context.Context, probes ...Probe) {
	for _, p := range probes {
		if p.Check == nil {
			r.Register(p.Name, false, "no probe configured")
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, defaultProbeTimeout)
		detail, err := p.Check(probeCtx)
		cancel()
		if err != nil {
			r.logger.Warn("capability_unavailable", "capability", p.Name, "error", err)
			r.Register(p.Name, false, err.Error())
			continue
		}
		r.logger.Info("capability_available", "capability", p.Name, "detail", detail)
		r.Register(p.Name, true, detail)
	}
}

func (r *Registry) Available(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.caps[name].Available
}

func (r *Registry) Report() []domain.Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Capability, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.caps[name])
	}
	return out
}

// BinaryProbe checks that an executable can be resolved on PATH.
func BinaryProbe(name, binary string) Probe {
	return Probe{
		Name: name,
		Check: func(context.Context) (string, error) {
			path, err := exec.LookPath(binary)
			if err != nil {
				return "", fmt.Errorf("lookup %s: %w", binary, err)
			}
			return path, nil
		},
	}
}

// FileProbe checks that path exists and, if load is set, that it parses.
func FileProbe(name, path string, load func(path string) error) Probe {
	return Probe{
		Name: name,
		Check: func(context.Context) (string, error) {
			if path == "" {
				return "", fmt.Errorf("no path configured")
			}
			if _, err := os.Stat(path); err != nil {
				return "", fmt.Errorf("stat %s: %w", path, err)
			}
			if load != nil {
				if err := load(path); err != nil {
					return "", fmt.Errorf("load %s: %w", path, err)
				}
			}
			return path, nil
		},
	}
}
