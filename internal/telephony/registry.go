package telephony

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry maps provider names to Provider implementations.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	fallback  Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[strings.ToLower(p.Name())] = p
}

// SetFallback installs the provider used for names without a dedicated adapter.
func (r *Registry) SetFallback(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = p
}

func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.providers[strings.ToLower(name)]; ok {
		return p, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for n := range r.providers {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Probe runs a provider health check bounded by timeout and returns its latency.
// A provider that ignores ctx still resolves as ErrProbeTimeout once the timeout passes.
func Probe(ctx context.Context, p Provider, ep Endpoint, timeout time.Duration) (time.Duration, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				res <- fmt.Errorf("telephony: probe panicked: %v", rec)
			}
		}()
		res <- p.HealthCheck(ctx, ep)
	}()

	select {
	case err := <-res:
		latency := time.Since(start)
		if errors.Is(err, context.DeadlineExceeded) {
			return latency, fmt.Errorf("%w after %s", ErrProbeTimeout, timeout)
		}
		return latency, err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return time.Since(start), fmt.Errorf("%w after %s", ErrProbeTimeout, timeout)
		}
		return time.Since(start), ctx.Err()
	}
}
