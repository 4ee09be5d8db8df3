// Package models provides domain types for the Relay conversational backend.
package models

import (
	"time"
)

// SessionStatus describes the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionPaused SessionStatus = "paused"
	SessionEnded  SessionStatus = "ended"
	SessionError  SessionStatus = "error"
)

// MetadataKeyName is the session metadata key holding the lazily-assigned
// display name.
const MetadataKeyName = "name"

// Session is a durable conversation context owned by one principal.
// It spans multiple turns and any number of concurrent connections.
//
// The pipeline mutates Status and Metadata only; creation and deletion
// belong to the session-management layer.
type Session struct {
	// ID is the unique session identifier.
	ID string `json:"id"`

	// UserID is the owning principal.
	UserID string `json:"user_id"`

	// Status is the lifecycle state: active, paused, ended, or error.
	Status SessionStatus `json:"status"`

	// Metadata holds opaque key/value pairs, including the display name
	// under MetadataKeyName once one has been derived.
	Metadata map[string]string `json:"metadata,omitempty"`

	// CreatedAt is when the session was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the session was last touched.
	UpdatedAt time.Time `json:"updated_at"`

	// EndedAt is set when the session transitions to ended.
	EndedAt *time.Time `json:"ended_at,omitempty"`
}

// Name returns the display name from metadata, or "" if none was assigned.
func (s *Session) Name() string {
	if s == nil || s.Metadata == nil {
		return ""
	}
	return s.Metadata[MetadataKeyName]
}

// SetName stores a display name in the session metadata.
func (s *Session) SetName(name string) {
	if s.Metadata == nil {
		s.Metadata = map[string]string{}
	}
	s.Metadata[MetadataKeyName] = name
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	clone := *s
	if s.Metadata != nil {
		clone.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			clone.Metadata[k] = v
		}
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		clone.EndedAt = &t
	}
	return &clone
}
