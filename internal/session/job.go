package session

import (
	"context"
	"log/slog"
	"time"
)

// job is a cancellable periodic callback owned by one session.
type job struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func startJob(interval time.Duration, log *slog.Logger, fn func()) *job {
	ctx, cancel := context.WithCancel(context.Background())
	j := &job{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(j.done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				runSafe(log, fn)
			}
		}
	}()
	return j
}

// stop cancels the job and waits for a running callback to return.
func (j *job) stop() {
	if j == nil {
		return
	}
	j.cancel()
	<-j.done
}

func runSafe(log *slog.Logger, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("session timer panicked", "panic", p)
		}
	}()
	fn()
}
