package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

func newTestSession(t *testing.T, store *Store) *models.Session {
	t.Helper()
	session := &models.Session{UserID: "user-1"}
	if err := store.Sessions.Create(context.Background(), session); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return session
}

func TestSessionLifecycle(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	session := newTestSession(t, store)
	if session.ID == "" {
		t.Fatal("expected generated session id")
	}
	if session.Status != models.SessionActive {
		t.Errorf("status = %q, want active", session.Status)
	}

	got, err := store.Sessions.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UserID != "user-1" {
		t.Errorf("user = %q", got.UserID)
	}

	if err := store.Sessions.UpdateStatus(ctx, session.ID, models.SessionEnded); err != nil {
		t.Fatalf("update status: %v", err)
	}
	got, _ = store.Sessions.Get(ctx, session.ID)
	if got.Status != models.SessionEnded || got.EndedAt == nil {
		t.Errorf("ended session = %+v", got)
	}

	if _, err := store.Sessions.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing session error = %v", err)
	}
}

func TestUpdateMetadataMerges(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	session := newTestSession(t, store)

	if err := store.Sessions.UpdateMetadata(ctx, session.ID, map[string]string{"name": "Trip Planning"}); err != nil {
		t.Fatalf("update metadata: %v", err)
	}
	if err := store.Sessions.UpdateMetadata(ctx, session.ID, map[string]string{"locale": "en"}); err != nil {
		t.Fatalf("update metadata: %v", err)
	}

	got, _ := store.Sessions.Get(ctx, session.ID)
	if got.Metadata["name"] != "Trip Planning" || got.Metadata["locale"] != "en" {
		t.Errorf("metadata = %v", got.Metadata)
	}
}

func TestMemoryAppendOrdering(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	session := newTestSession(t, store)

	for i, content := range []string{"first", "second", "third"} {
		entry := &models.MemoryEntry{
			SessionID: session.ID,
			Type:      models.MemoryContext,
			Content:   content,
		}
		if err := store.Memories.Append(ctx, entry); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if entry.Sequence != int64(i+1) {
			t.Errorf("entry %d sequence = %d", i, entry.Sequence)
		}
	}

	// Limit returns the most recent entries in chronological order.
	recent, err := store.Memories.ListRecent(ctx, session.ID, 2)
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(recent) != 2 || recent[0].Content != "second" || recent[1].Content != "third" {
		t.Errorf("recent = %v", recent)
	}
}

func TestMemoryAppendRequiresSession(t *testing.T) {
	store := NewMemStore()
	entry := &models.MemoryEntry{SessionID: "ghost", Content: "orphan"}
	if err := store.Memories.Append(context.Background(), entry); !errors.Is(err, ErrNotFound) {
		t.Errorf("append to missing session = %v", err)
	}
}

func TestToolCatalog(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	tools := []*models.ToolDefinition{
		{Name: "web_search", Kind: models.ToolKindHTTP, Active: true},
		{Name: "send_email", Kind: models.ToolKindHTTP, Active: true},
		{Name: "legacy_tool", Kind: models.ToolKindHTTP, Active: false},
	}
	for _, tool := range tools {
		if err := store.Tools.Upsert(ctx, tool); err != nil {
			t.Fatalf("upsert %s: %v", tool.Name, err)
		}
	}

	active, err := store.Tools.ListActive(ctx)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("active count = %d, want 2", len(active))
	}
	// Sorted by name.
	if active[0].Name != "send_email" || active[1].Name != "web_search" {
		t.Errorf("active order = %s, %s", active[0].Name, active[1].Name)
	}

	if _, err := store.Tools.Get(ctx, "legacy_tool"); err != nil {
		t.Errorf("inactive tools remain fetchable by name: %v", err)
	}
}

func TestExecutionRecordLifecycle(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	exec := &models.ToolExecution{
		SessionID: "sess-1",
		ToolName:  "web_search",
		Input:     map[string]any{"query": "golang"},
		Status:    models.ExecutionPending,
	}
	if err := store.Executions.Create(ctx, exec); err != nil {
		t.Fatalf("create: %v", err)
	}

	exec.Status = models.ExecutionCompleted
	exec.Output = "results"
	exec.Duration = 42 * time.Millisecond
	now := time.Now()
	exec.CompletedAt = &now
	if err := store.Executions.Update(ctx, exec); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := store.Executions.Get(ctx, exec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.ExecutionCompleted || got.Output != "results" {
		t.Errorf("execution = %+v", got)
	}
	if got.Duration < 0 {
		t.Errorf("duration = %v", got.Duration)
	}
}

func TestAuditAppendOnly(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	for _, rule := range []string{"prompt_injection", "length_ceiling"} {
		entry := &models.GuardrailLogEntry{
			SessionID: "sess-1",
			Rule:      rule,
			Action:    models.GuardrailBlock,
		}
		if err := store.Audit.Append(ctx, entry); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	entries, err := store.Audit.ListBySession(ctx, "sess-1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("entries = %d, want 2", len(entries))
	}
	if entries[0].Rule != "prompt_injection" {
		t.Errorf("order not preserved: %s", entries[0].Rule)
	}
}
