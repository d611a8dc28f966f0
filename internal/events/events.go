package events

import (
	"time"

	"github.com/google/uuid"
)

// Type names a notification emitted by the registry or a call session.
// Keep these stable; they are part of the event stream contract.
type Type string

// Registry notifications.
const (
	ConfigurationCreated       Type = "configurationCreated"
	ConfigurationUpdated       Type = "configurationUpdated"
	ConfigurationDeleted       Type = "configurationDeleted"
	ActiveConfigurationChanged Type = "activeConfigurationChanged"
	ConnectionTest             Type = "connectionTest"
	MonitoringStarted          Type = "monitoringStarted"
	MonitoringStopped          Type = "monitoringStopped"
	MonitoringUpdate           Type = "monitoringUpdate"
	ConnectionFailure          Type = "connectionFailure"
	RecoveryAttempt            Type = "recoveryAttempt"
	RecoverySuccessful         Type = "recoverySuccessful"
	RecoveryFailed             Type = "recoveryFailed"
)

// Call session notifications.
const (
	CallStarted            Type = "callStarted"
	CallAnswered           Type = "callAnswered"
	CallRejected           Type = "callRejected"
	CallEnded              Type = "callEnded"
	CallHeld               Type = "callHeld"
	CallUnheld             Type = "callUnheld"
	CallFailed             Type = "callFailed"
	IncomingCall           Type = "incomingCall"
	StateChanged           Type = "stateChanged"
	QualityUpdate          Type = "qualityUpdate"
	TimerUpdate            Type = "timerUpdate"
	MuteChanged            Type = "muteChanged"
	VolumeChanged          Type = "volumeChanged"
	DTMFSent               Type = "dtmfSent"
	ReconnectionAttempt    Type = "reconnectionAttempt"
	ReconnectionSuccessful Type = "reconnectionSuccessful"
	ReconnectionFailed     Type = "reconnectionFailed"
)

// Event is a single structured notification.
//
// Source identifies the emitting entity: a session id for call events,
// a configuration id for registry events.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// New builds an event stamped with a fresh id and the given time.
func New(t Type, source string, at time.Time, payload map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		Source:    source,
		Timestamp: at.UTC(),
		Payload:   payload,
	}
}

// Publisher is the produce side of the notification sink.
type Publisher interface {
	Publish(e Event)
}

// Discard drops every event. Useful when a component is built without a sink.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}
