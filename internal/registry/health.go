package registry

import (
	"context"
	"errors"
	"time"

	"coldcaller-telephony/internal/events"
	"coldcaller-telephony/internal/reconnect"
)

// MonitorStatus is a point-in-time view of the health loop.
type MonitorStatus struct {
	Running             bool        `json:"running"`
	IntervalMs          int64       `json:"intervalMs"`
	ActiveID            string      `json:"activeConfigId,omitempty"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
	FailureThreshold    int         `json:"failureThreshold"`
	Recovering          bool        `json:"recovering"`
	RecoveryAttempts    int         `json:"recoveryAttempts"`
	Exhausted           bool        `json:"exhausted"`
	LastCheck           *TestResult `json:"lastCheck,omitempty"`
}

// StartMonitoring launches the periodic health check of the active configuration.
// It returns false if the loop is already running.
func (r *Registry) StartMonitoring() bool {
	r.hmu.Lock()
	if r.loopCancel != nil {
		r.hmu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.loopCancel, r.loopDone = cancel, done
	r.hmu.Unlock()

	go r.loop(ctx, done)

	r.log.Info("monitoring started", "interval", r.opts.HealthInterval)
	r.publish(events.MonitoringStarted, r.activeID(), map[string]any{
		"intervalMs": r.opts.HealthInterval.Milliseconds(),
	})
	return true
}

// StopMonitoring stops the loop and any recovery in progress, and waits for
// both to finish. The exhausted latch is kept.
func (r *Registry) StopMonitoring() bool {
	r.hmu.Lock()
	cancel, done := r.loopCancel, r.loopDone
	r.loopCancel, r.loopDone = nil, nil
	r.hmu.Unlock()

	if cancel == nil {
		return false
	}
	cancel()
	<-done

	// The last tick may have started recovery, so take it only once the loop is gone.
	r.hmu.Lock()
	ctrl := r.recovery
	r.recovery = nil
	r.hmu.Unlock()
	if ctrl != nil {
		ctrl.Stop()
	}

	r.log.Info("monitoring stopped")
	r.publish(events.MonitoringStopped, r.activeID(), nil)
	return true
}

func (r *Registry) MonitorStatus() MonitorStatus {
	r.hmu.Lock()
	defer r.hmu.Unlock()

	st := MonitorStatus{
		Running:             r.loopCancel != nil,
		IntervalMs:          r.opts.HealthInterval.Milliseconds(),
		ActiveID:            r.activeID(),
		ConsecutiveFailures: r.consecutive,
		FailureThreshold:    r.opts.FailureThreshold,
		Recovering:          r.recovery != nil,
		Exhausted:           r.exhausted,
	}
	if r.recovery != nil {
		st.RecoveryAttempts = r.recovery.Attempts()
	}
	if r.lastCheck != nil {
		lc := *r.lastCheck
		st.LastCheck = &lc
	}
	return st
}

func (r *Registry) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	t := time.NewTicker(r.opts.HealthInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.safeCheck(ctx)
		}
	}
}

func (r *Registry) safeCheck(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("health check panicked", "panic", p)
		}
	}()
	r.CheckNow(ctx)
}

// CheckNow runs one health-check iteration against the active configuration.
// It is a no-op while recovery is running or after recovery was exhausted.
func (r *Registry) CheckNow(ctx context.Context) {
	id := r.activeID()
	if id == "" {
		return
	}
	r.hmu.Lock()
	busy := r.recovery != nil || r.exhausted
	r.hmu.Unlock()
	if busy {
		return
	}

	res, err := r.runTest(ctx, id)
	if err != nil || ctx.Err() != nil {
		return
	}

	r.hmu.Lock()
	if ctx.Err() != nil || r.activeID() != id || r.recovery != nil || r.exhausted {
		// Active config changed or recovery started while probing.
		r.hmu.Unlock()
		return
	}
	r.lastCheck = &res
	if res.Success {
		r.consecutive = 0
	} else {
		r.consecutive++
	}
	n := r.consecutive
	var ctrl *reconnect.Controller
	if !res.Success && n >= r.opts.FailureThreshold {
		ctrl = r.newRecovery(id)
		r.recovery = ctrl
	}
	r.hmu.Unlock()

	r.publish(events.MonitoringUpdate, id, map[string]any{
		"result":              res,
		"consecutiveFailures": n,
	})

	if ctrl != nil {
		r.log.Warn("sustained connection failure", "config_id", id, "consecutive_failures", n)
		r.publish(events.ConnectionFailure, id, map[string]any{
			"consecutiveFailures": n,
			"message":             res.Message,
		})
		ctrl.Start()
	}
}

// newRecovery builds the backoff controller for id from its timing parameters.
// Callers hold hmu.
func (r *Registry) newRecovery(id string) *reconnect.Controller {
	r.mu.RLock()
	c := r.state.Configs[id]
	r.mu.RUnlock()

	policy := reconnect.Policy{
		MaxAttempts: c.MaxReconnectAttempts,
		BaseDelay:   time.Duration(c.ReconnectBaseDelayMs) * time.Millisecond,
		MaxDelay:    r.opts.RecoveryMaxDelay,
	}
	log := r.log.With("config_id", id)

	var ctrl *reconnect.Controller
	probe := func(ctx context.Context) error {
		res, err := r.runTest(ctx, id)
		if err != nil {
			return err
		}
		if !res.Success {
			return errors.New(res.Message)
		}
		return nil
	}
	hooks := reconnect.Hooks{
		OnAttempt: func(attempt int, delay time.Duration) {
			r.hmu.Lock()
			owned := r.recovery == ctrl
			r.hmu.Unlock()
			if !owned {
				return
			}
			r.publish(events.RecoveryAttempt, id, map[string]any{
				"attempt":     attempt,
				"maxAttempts": ctrl.Policy().MaxAttempts,
				"delayMs":     delay.Milliseconds(),
			})
		},
		OnFailure: func(attempt int, err error) {
			log.Warn("recovery attempt failed", "attempt", attempt, "err", err)
		},
		OnRecovered: func(attempt int) {
			r.hmu.Lock()
			owned := r.recovery == ctrl
			if owned {
				r.recovery = nil
				r.consecutive = 0
			}
			r.hmu.Unlock()
			if !owned {
				return
			}
			log.Info("connection recovered", "attempt", attempt)
			r.publish(events.RecoverySuccessful, id, map[string]any{"attempt": attempt})
		},
		OnExhausted: func(attempts int, err error) {
			r.hmu.Lock()
			owned := r.recovery == ctrl
			if owned {
				r.recovery = nil
				r.exhausted = true
			}
			r.hmu.Unlock()
			if !owned {
				return
			}
			log.Error("recovery exhausted", "attempts", attempts, "err", err)
			r.publish(events.RecoveryFailed, id, map[string]any{
				"attempts": attempts,
				"message":  err.Error(),
			})
		},
	}
	ctrl = reconnect.New(policy, probe, hooks, log)
	return ctrl
}

// resetHealth cancels recovery and clears the failure streak and exhausted
// latch. It waits for an in-flight recovery probe, so callers must not hold
// writeMu or hmu.
func (r *Registry) resetHealth() {
	r.hmu.Lock()
	ctrl := r.recovery
	r.recovery = nil
	r.exhausted = false
	r.consecutive = 0
	r.hmu.Unlock()

	if ctrl != nil {
		ctrl.Stop()
	}
}

// manualCheck applies an operator-run test of the active configuration id.
// A running recovery episode is ended as recovered when the test succeeds and
// left alone when it fails. Outside an episode the test counts as
// intervention: the failure streak and exhausted latch are cleared.
func (r *Registry) manualCheck(id string, res TestResult) {
	r.hmu.Lock()
	if r.activeID() != id {
		r.hmu.Unlock()
		return
	}
	ctrl := r.recovery
	if ctrl != nil && !res.Success {
		r.hmu.Unlock()
		return
	}
	r.recovery = nil
	r.exhausted = false
	r.consecutive = 0
	r.lastCheck = &res
	r.hmu.Unlock()

	if ctrl == nil {
		return
	}
	attempt := ctrl.Attempts()
	ctrl.Stop()
	r.log.Info("connection recovered by manual test", "config_id", id, "attempt", attempt)
	r.publish(events.RecoverySuccessful, id, map[string]any{
		"attempt": attempt,
		"manual":  true,
	})
}
