// Package storage defines the durable store contracts the pipeline
// depends on, with in-memory and SQLite implementations.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// StoreError wraps a storage failure with the operation that produced it.
// Callers distinguish fatal lookups from best-effort side effects by where
// the error surfaces, not by inspecting it.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// SessionStore persists sessions. Creation and deletion belong to the
// session-management surface; the pipeline only reads and patches.
type SessionStore interface {
	Create(ctx context.Context, session *models.Session) error
	Get(ctx context.Context, id string) (*models.Session, error)
	UpdateStatus(ctx context.Context, id string, status models.SessionStatus) error
	UpdateMetadata(ctx context.Context, id string, metadata map[string]string) error

	// ListIdleSince returns active sessions not touched since the cutoff.
	ListIdleSince(ctx context.Context, cutoff time.Time) ([]*models.Session, error)
}

// MemoryStore persists ordered conversational memory.
type MemoryStore interface {
	Append(ctx context.Context, entry *models.MemoryEntry) error

	// ListRecent returns the most recent entries for a session in
	// chronological order, bounded by limit.
	ListRecent(ctx context.Context, sessionID string, limit int) ([]*models.MemoryEntry, error)
}

// ToolStore reads the tool catalog. Definitions are written by an
// administrative surface and read-only to the pipeline.
type ToolStore interface {
	Get(ctx context.Context, name string) (*models.ToolDefinition, error)
	ListActive(ctx context.Context) ([]*models.ToolDefinition, error)
	Upsert(ctx context.Context, tool *models.ToolDefinition) error
}

// ExecutionStore persists tool execution records, append-then-update.
type ExecutionStore interface {
	Create(ctx context.Context, exec *models.ToolExecution) error
	Update(ctx context.Context, exec *models.ToolExecution) error
	Get(ctx context.Context, id string) (*models.ToolExecution, error)
}

// AuditStore persists guardrail decisions, append-only.
type AuditStore interface {
	Append(ctx context.Context, entry *models.GuardrailLogEntry) error
	ListBySession(ctx context.Context, sessionID string, limit int) ([]*models.GuardrailLogEntry, error)
}

// Store groups the storage dependencies the pipeline consumes.
type Store struct {
	Sessions   SessionStore
	Memories   MemoryStore
	Tools      ToolStore
	Executions ExecutionStore
	Audit      AuditStore

	closer func() error
}

// Close releases any underlying resources.
func (s *Store) Close() error {
	if s == nil || s.closer == nil {
		return nil
	}
	return s.closer()
}
