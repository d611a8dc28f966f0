package quality

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const DefaultInterval = 2 * time.Second

// Source pulls raw statistics from a media transport.
type Source interface {
	Stats(ctx context.Context) (Stats, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (Stats, error)

func (f SourceFunc) Stats(ctx context.Context) (Stats, error) { return f(ctx) }

type SamplerOptions struct {
	Interval time.Duration
	// OnSample receives every successful sample. It must not call Stop.
	OnSample func(Metrics)
	// OnError receives statistics failures; sampling continues.
	OnError func(error)
	Logger  *slog.Logger
	Now     func() time.Time
}

// Sampler is a cancellable periodic job pulling statistics from one Source.
// It is owned by exactly one call session and never outlives it.
type Sampler struct {
	source Source
	opts   SamplerOptions

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSampler(source Source, opts SamplerOptions) *Sampler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Sampler{source: source, opts: opts}
}

// Start launches the sampling loop. It returns false if already running.
func (s *Sampler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
	return true
}

// Stop cancels the loop and waits for it to exit.
func (s *Sampler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Sampler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Sample takes a single reading outside the loop.
func (s *Sampler) Sample(ctx context.Context) (Metrics, error) {
	st, err := s.source.Stats(ctx)
	if err != nil {
		return Metrics{}, err
	}
	return FromStats(st, s.opts.Now()), nil
}

func (s *Sampler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	t := time.NewTicker(s.opts.Interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.tick(ctx)
		}
	}
}

func (s *Sampler) tick(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			s.opts.Logger.Error("quality sample panicked", "panic", p)
		}
	}()

	// A slow transport must not push samples past the next tick.
	tctx, cancel := context.WithTimeout(ctx, s.opts.Interval)
	defer cancel()

	m, err := s.Sample(tctx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		s.opts.Logger.Debug("quality sample failed", "err", err)
		if s.opts.OnError != nil {
			s.opts.OnError(err)
		}
		return
	}
	if s.opts.OnSample != nil {
		s.opts.OnSample(m)
	}
}
