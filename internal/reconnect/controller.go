// Package reconnect implements bounded exponential backoff retry around a
// caller-supplied connectivity probe. It knows nothing about calls or
// configurations; owners wire it to their own probe and hooks.
package reconnect

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Probe re-checks connectivity. A nil error means the connection recovered.
// The context is cancelled when the controller is stopped.
type Probe func(ctx context.Context) error

// Hooks receive controller progress. They run on the controller's timer
// goroutine and must not call Stop on the same controller.
type Hooks struct {
	// OnAttempt fires when attempt n is scheduled to run after delay.
	OnAttempt func(attempt int, delay time.Duration)
	// OnFailure fires after each failed probe.
	OnFailure func(attempt int, err error)
	// OnRecovered fires once a probe succeeds; the attempt counter is already reset.
	OnRecovered func(attempt int)
	// OnExhausted fires when the last permitted attempt fails.
	OnExhausted func(attempts int, err error)
}

// Controller schedules retries of a probe until it succeeds or the policy is exhausted.
type Controller struct {
	policy Policy
	probe  Probe
	hooks  Hooks
	log    *slog.Logger

	mu        sync.Mutex
	attempts  int
	running   bool
	exhausted bool
	stopped   bool
	gen       uint64
	timer     *time.Timer
	cancel    context.CancelFunc
	inflight  chan struct{}
}

func New(policy Policy, probe Probe, hooks Hooks, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{policy: policy.withDefaults(), probe: probe, hooks: hooks, log: log}
}

func (c *Controller) Policy() Policy { return c.policy }

// Start begins a retry cycle at attempt 1. It returns false when a cycle is
// already running, or the controller is exhausted or stopped and has not been
// Reset.
func (c *Controller) Start() bool {
	c.mu.Lock()
	if c.running || c.exhausted || c.stopped {
		c.mu.Unlock()
		return false
	}
	c.running = true
	c.gen++
	c.attempts = 1
	gen := c.gen
	c.mu.Unlock()

	c.announceAndSchedule(gen, 1)
	return true
}

// Stop cancels any pending retry and waits for an in-flight probe and its
// hooks to return. No hook fires after Stop returns, and Start is refused
// until Reset.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.stopLocked()
	wait := c.inflight
	c.mu.Unlock()

	if wait != nil {
		<-wait
	}
}

// Reset stops the controller and clears the attempt counter and exhausted latch.
func (c *Controller) Reset() {
	c.Stop()
	c.mu.Lock()
	c.attempts = 0
	c.exhausted = false
	c.stopped = false
	c.mu.Unlock()
}

func (c *Controller) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Controller) Exhausted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exhausted
}

func (c *Controller) stopLocked() {
	c.gen++
	c.running = false
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

// announceAndSchedule reports attempt n to OnAttempt before arming its timer,
// so hooks observe attempts in order even with very short delays.
func (c *Controller) announceAndSchedule(gen uint64, attempt int) {
	c.mu.Lock()
	live := gen == c.gen && c.running
	c.mu.Unlock()
	if !live {
		return
	}

	delay := c.policy.Delay(attempt)
	if c.hooks.OnAttempt != nil {
		c.hooks.OnAttempt(attempt, delay)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || !c.running {
		return
	}
	c.attempts = attempt
	c.timer = time.AfterFunc(delay, func() { c.fire(gen, attempt) })
}

func (c *Controller) fire(gen uint64, attempt int) {
	c.mu.Lock()
	if gen != c.gen || !c.running {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	done := make(chan struct{})
	c.inflight = done
	c.timer = nil
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.inflight == done {
			c.inflight = nil
		}
		c.mu.Unlock()
		close(done)
	}()
	defer func() {
		if p := recover(); p != nil {
			c.log.Error("reconnect attempt panicked", "attempt", attempt, "panic", p)
		}
	}()

	err := c.probe(ctx)
	cancel()

	c.mu.Lock()
	if gen != c.gen {
		// Stopped while probing; discard the result.
		c.mu.Unlock()
		return
	}
	c.cancel = nil

	if err == nil {
		c.attempts = 0
		c.running = false
		c.mu.Unlock()
		if c.hooks.OnRecovered != nil {
			c.hooks.OnRecovered(attempt)
		}
		return
	}

	if attempt >= c.policy.MaxAttempts {
		c.running = false
		c.exhausted = true
		c.mu.Unlock()
		if c.hooks.OnFailure != nil {
			c.hooks.OnFailure(attempt, err)
		}
		if c.hooks.OnExhausted != nil {
			c.hooks.OnExhausted(attempt, err)
		}
		return
	}

	c.mu.Unlock()

	if c.hooks.OnFailure != nil {
		c.hooks.OnFailure(attempt, err)
	}
	c.announceAndSchedule(gen, attempt+1)
}
