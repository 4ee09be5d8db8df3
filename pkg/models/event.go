package models

import (
	"time"
)

// TurnEventType identifies a lifecycle event the dispatcher can emit to
// the transport layer. The wire encoding is a transport concern; these
// are the event kinds every transport must be able to carry.
type TurnEventType string

const (
	// EventConnected acknowledges a new connection on a session.
	EventConnected TurnEventType = "connected"

	// EventTextChunk carries one streamed response fragment.
	EventTextChunk TurnEventType = "text_chunk"

	// EventTextComplete marks the end of a turn's stream and carries the
	// assembled response text. Emitted exactly once per turn, after all
	// chunks.
	EventTextComplete TurnEventType = "text_complete"

	// EventStatus reports turn progress (validating, planning, executing,
	// busy rejection, ...).
	EventStatus TurnEventType = "status"

	// EventError reports an in-band turn failure.
	EventError TurnEventType = "error"

	// EventSessionNameUpdated announces a freshly derived display name to
	// every connection attached to the session.
	EventSessionNameUpdated TurnEventType = "session_name_updated"
)

// TurnEvent is one directed or broadcast event from the dispatcher to the
// transport layer.
type TurnEvent struct {
	// Type is the event kind.
	Type TurnEventType `json:"type"`

	// SessionID is the session the event belongs to.
	SessionID string `json:"session_id,omitempty"`

	// TurnID correlates all events of one turn.
	TurnID string `json:"turn_id,omitempty"`

	// Text is the chunk fragment, full response, status label, error
	// message, or new session name depending on Type.
	Text string `json:"text,omitempty"`

	// Time is when the event was produced.
	Time time.Time `json:"time"`
}
