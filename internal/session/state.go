package session

import "errors"

var (
	ErrInvalidTransition = errors.New("session: invalid state transition")
	ErrSessionDestroyed  = errors.New("session: session destroyed")
	ErrNoActiveMedia     = errors.New("session: no active media stream")
	ErrNotInbound        = errors.New("session: operation requires an inbound call")
	ErrNotFound          = errors.New("session: not found")
	ErrNotTerminal       = errors.New("session: call has not ended")
	ErrInvalidNumber     = errors.New("session: phone number is required")
	ErrInvalidTone       = errors.New("session: invalid DTMF tone")
	ErrInvalidVolume     = errors.New("session: volume must be between 0 and 1")
	ErrCallLimit         = errors.New("session: concurrent call limit reached")
	ErrShuttingDown      = errors.New("session: manager is shutting down")
)

// State is the lifecycle state of one call.
type State string

const (
	StateInitializing State = "initializing"
	StateCalling      State = "calling"
	StateRinging      State = "ringing"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateHeld         State = "held"
	StateEnding       State = "ending"
	StateEnded        State = "ended"
	StateRejected     State = "rejected"
	StateFailed       State = "failed"
)

// validTransitions is the complete call graph; any edge not listed is rejected.
var validTransitions = map[State][]State{
	StateInitializing: {StateCalling},
	StateCalling:      {StateRinging, StateEnding, StateFailed},
	StateRinging:      {StateConnecting, StateEnding, StateFailed, StateRejected},
	StateConnecting:   {StateConnected, StateEnding, StateFailed},
	StateConnected:    {StateHeld, StateEnding},
	StateHeld:         {StateConnected, StateEnding},
	StateEnding:       {StateEnded},
	StateEnded:        {},
	StateRejected:     {},
	StateFailed:       {},
}

func (s State) CanTransitionTo(next State) bool {
	for _, st := range validTransitions[s] {
		if st == next {
			return true
		}
	}
	return false
}

func (s State) IsTerminal() bool {
	return s == StateEnded || s == StateRejected || s == StateFailed
}

// InCall reports whether media may be flowing.
func (s State) InCall() bool {
	return s == StateConnected || s == StateHeld
}

type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// validTone accepts the sixteen DTMF digits.
func validTone(tone string) bool {
	if len(tone) != 1 {
		return false
	}
	c := tone[0]
	switch {
	case c >= '0' && c <= '9':
		return true
	case c == '*' || c == '#':
		return true
	case c >= 'A' && c <= 'D':
		return true
	}
	return false
}
