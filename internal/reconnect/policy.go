package reconnect

import "time"

const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 30 * time.Second
)

// Policy parameterizes bounded exponential backoff.
// Delay for attempt n (1-indexed) is min(BaseDelay * 2^(n-1), MaxDelay).
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (p Policy) withDefaults() Policy {
	out := p
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = DefaultMaxAttempts
	}
	if out.BaseDelay <= 0 {
		out.BaseDelay = DefaultBaseDelay
	}
	if out.MaxDelay <= 0 {
		out.MaxDelay = DefaultMaxDelay
	}
	return out
}

// Delay returns the wait before attempt n. Attempts below 1 are treated as 1.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		// Doubling past the cap can overflow for large n.
		if d >= p.MaxDelay/2 {
			return p.MaxDelay
		}
		d *= 2
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Next reports the delay for attempt n and whether that attempt may be scheduled at all.
func (p Policy) Next(attempt int) (time.Duration, bool) {
	p = p.withDefaults()
	if attempt > p.MaxAttempts {
		return 0, false
	}
	return p.Delay(attempt), true
}
