package models

import (
	"time"
)

// GuardrailAction is the decision a guardrail rule took.
type GuardrailAction string

const (
	GuardrailAllow  GuardrailAction = "allow"
	GuardrailBlock  GuardrailAction = "block"
	GuardrailFilter GuardrailAction = "filter"
	GuardrailMask   GuardrailAction = "mask"
)

// GuardrailLogEntry is the append-only audit record written when a
// guardrail rule blocks input or filters output.
type GuardrailLogEntry struct {
	// ID is the unique entry identifier.
	ID string `json:"id"`

	// SessionID is the session the evaluation ran for, if known.
	SessionID string `json:"session_id,omitempty"`

	// Rule names the rule that triggered.
	Rule string `json:"rule"`

	// Action is the decision taken: allow, block, filter, or mask.
	Action GuardrailAction `json:"action"`

	// Sample is a length-bounded excerpt of the offending text.
	Sample string `json:"sample,omitempty"`

	// Reason is the human-readable explanation.
	Reason string `json:"reason,omitempty"`

	// Metadata holds opaque key/value pairs.
	Metadata map[string]string `json:"metadata,omitempty"`

	// CreatedAt is when the decision was made.
	CreatedAt time.Time `json:"created_at"`
}
