package models

import (
	"time"
)

// MemoryType tags the kind of content a memory entry carries.
type MemoryType string

const (
	MemoryContext    MemoryType = "context"
	MemorySummary    MemoryType = "summary"
	MemoryFact       MemoryType = "fact"
	MemoryToolResult MemoryType = "tool_result"
)

// MemoryEntry is one unit of ordered conversational memory.
//
// Entries are append-only from the pipeline's perspective and immutable
// once created. Sequence is strictly increasing per session and defines
// chronological order even when timestamps collide.
type MemoryEntry struct {
	// ID is the unique entry identifier.
	ID string `json:"id"`

	// SessionID is the owning session. Every entry belongs to exactly one.
	SessionID string `json:"session_id"`

	// Type tags the entry: context, summary, fact, or tool_result.
	Type MemoryType `json:"type"`

	// Content is free-form text.
	Content string `json:"content"`

	// Metadata holds opaque key/value pairs.
	Metadata map[string]string `json:"metadata,omitempty"`

	// Sequence is the strictly increasing insertion order within the session.
	Sequence int64 `json:"sequence"`

	// CreatedAt is when the entry was appended.
	CreatedAt time.Time `json:"created_at"`
}
