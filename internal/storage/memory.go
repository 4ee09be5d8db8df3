package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/pkg/models"
)

// maxEntriesPerSession bounds in-memory growth per session. Oldest entries
// are trimmed once the limit is exceeded.
const maxEntriesPerSession = 1000

// NewMemStore creates an in-memory store set for tests and local runs.
func NewMemStore() *Store {
	sessions := &memSessions{sessions: map[string]*models.Session{}}
	return &Store{
		Sessions: sessions,
		Memories: &memMemories{
			sessions:  sessions,
			entries:   map[string][]*models.MemoryEntry{},
			sequences: map[string]int64{},
		},
		Tools:      &memTools{tools: map[string]*models.ToolDefinition{}},
		Executions: &memExecutions{executions: map[string]*models.ToolExecution{}},
		Audit:      &memAudit{},
	}
}

type memSessions struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
}

func (m *memSessions) Create(ctx context.Context, session *models.Session) error {
	if session == nil {
		return wrap("session.create", ErrNotFound)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := session.Clone()
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if _, exists := m.sessions[clone.ID]; exists {
		return wrap("session.create", ErrAlreadyExists)
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	clone.UpdatedAt = clone.CreatedAt
	if clone.Status == "" {
		clone.Status = models.SessionActive
	}
	// Reflect generated fields back to the caller.
	session.ID = clone.ID
	session.CreatedAt = clone.CreatedAt
	session.UpdatedAt = clone.UpdatedAt
	session.Status = clone.Status
	m.sessions[clone.ID] = clone
	return nil
}

func (m *memSessions) Get(ctx context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[id]
	if !ok {
		return nil, wrap("session.get", ErrNotFound)
	}
	return session.Clone(), nil
}

func (m *memSessions) exists(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[id]
	return ok
}

func (m *memSessions) UpdateStatus(ctx context.Context, id string, status models.SessionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[id]
	if !ok {
		return wrap("session.update_status", ErrNotFound)
	}
	session.Status = status
	session.UpdatedAt = time.Now()
	if status == models.SessionEnded {
		now := time.Now()
		session.EndedAt = &now
	}
	return nil
}

func (m *memSessions) UpdateMetadata(ctx context.Context, id string, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[id]
	if !ok {
		return wrap("session.update_metadata", ErrNotFound)
	}
	if session.Metadata == nil {
		session.Metadata = map[string]string{}
	}
	for k, v := range metadata {
		session.Metadata[k] = v
	}
	session.UpdatedAt = time.Now()
	return nil
}

func (m *memSessions) ListIdleSince(ctx context.Context, cutoff time.Time) ([]*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var idle []*models.Session
	for _, session := range m.sessions {
		if session.Status == models.SessionActive && session.UpdatedAt.Before(cutoff) {
			idle = append(idle, session.Clone())
		}
	}
	sort.Slice(idle, func(i, j int) bool { return idle[i].UpdatedAt.Before(idle[j].UpdatedAt) })
	return idle, nil
}

type memMemories struct {
	mu        sync.RWMutex
	sessions  *memSessions
	entries   map[string][]*models.MemoryEntry
	sequences map[string]int64
}

func (m *memMemories) Append(ctx context.Context, entry *models.MemoryEntry) error {
	if entry == nil || entry.SessionID == "" {
		return wrap("memory.append", ErrNotFound)
	}
	if m.sessions != nil && !m.sessions.exists(entry.SessionID) {
		return wrap("memory.append", ErrNotFound)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *entry
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	m.sequences[clone.SessionID]++
	clone.Sequence = m.sequences[clone.SessionID]
	entry.ID = clone.ID
	entry.Sequence = clone.Sequence
	entry.CreatedAt = clone.CreatedAt

	list := append(m.entries[clone.SessionID], &clone)
	if len(list) > maxEntriesPerSession {
		list = list[len(list)-maxEntriesPerSession:]
	}
	m.entries[clone.SessionID] = list
	return nil
}

func (m *memMemories) ListRecent(ctx context.Context, sessionID string, limit int) ([]*models.MemoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.entries[sessionID]
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	out := make([]*models.MemoryEntry, len(list))
	for i, entry := range list {
		clone := *entry
		out[i] = &clone
	}
	return out, nil
}

type memTools struct {
	mu    sync.RWMutex
	tools map[string]*models.ToolDefinition
}

func (m *memTools) Get(ctx context.Context, name string) (*models.ToolDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tool, ok := m.tools[name]
	if !ok {
		return nil, wrap("tool.get", ErrNotFound)
	}
	clone := *tool
	return &clone, nil
}

func (m *memTools) ListActive(ctx context.Context) ([]*models.ToolDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var active []*models.ToolDefinition
	for _, tool := range m.tools {
		if tool.Active {
			clone := *tool
			active = append(active, &clone)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Name < active[j].Name })
	return active, nil
}

func (m *memTools) Upsert(ctx context.Context, tool *models.ToolDefinition) error {
	if tool == nil || tool.Name == "" {
		return wrap("tool.upsert", ErrNotFound)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *tool
	m.tools[clone.Name] = &clone
	return nil
}

type memExecutions struct {
	mu         sync.RWMutex
	executions map[string]*models.ToolExecution
}

func (m *memExecutions) Create(ctx context.Context, exec *models.ToolExecution) error {
	if exec == nil {
		return wrap("execution.create", ErrNotFound)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *exec
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	exec.ID = clone.ID
	exec.CreatedAt = clone.CreatedAt
	m.executions[clone.ID] = &clone
	return nil
}

func (m *memExecutions) Update(ctx context.Context, exec *models.ToolExecution) error {
	if exec == nil {
		return wrap("execution.update", ErrNotFound)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.executions[exec.ID]; !ok {
		return wrap("execution.update", ErrNotFound)
	}
	clone := *exec
	m.executions[clone.ID] = &clone
	return nil
}

func (m *memExecutions) Get(ctx context.Context, id string) (*models.ToolExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	exec, ok := m.executions[id]
	if !ok {
		return nil, wrap("execution.get", ErrNotFound)
	}
	clone := *exec
	return &clone, nil
}

type memAudit struct {
	mu      sync.RWMutex
	entries []*models.GuardrailLogEntry
}

func (m *memAudit) Append(ctx context.Context, entry *models.GuardrailLogEntry) error {
	if entry == nil {
		return wrap("audit.append", ErrNotFound)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *entry
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	entry.ID = clone.ID
	entry.CreatedAt = clone.CreatedAt
	m.entries = append(m.entries, &clone)
	return nil
}

func (m *memAudit) ListBySession(ctx context.Context, sessionID string, limit int) ([]*models.GuardrailLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.GuardrailLogEntry
	for _, entry := range m.entries {
		if sessionID == "" || entry.SessionID == sessionID {
			clone := *entry
			out = append(out, &clone)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
