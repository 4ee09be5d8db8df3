package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/haasonsaas/relay/pkg/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	status     TEXT NOT NULL,
	metadata   TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	ended_at   TIMESTAMP
);

CREATE TABLE IF NOT EXISTS memories (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	type       TEXT NOT NULL,
	content    TEXT NOT NULL,
	metadata   TEXT NOT NULL DEFAULT '{}',
	sequence   INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL,
	UNIQUE (session_id, sequence)
);
CREATE INDEX IF NOT EXISTS idx_memories_session ON memories(session_id, sequence);

CREATE TABLE IF NOT EXISTS tools (
	name         TEXT PRIMARY KEY,
	description  TEXT NOT NULL DEFAULT '',
	kind         TEXT NOT NULL,
	method       TEXT NOT NULL DEFAULT '',
	url_template TEXT NOT NULL DEFAULT '',
	body_params  TEXT NOT NULL DEFAULT '[]',
	query_params TEXT NOT NULL DEFAULT '[]',
	expression   TEXT NOT NULL DEFAULT '',
	schema       TEXT,
	active       INTEGER NOT NULL DEFAULT 1,
	rate_limit   INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS tool_executions (
	id           TEXT PRIMARY KEY,
	session_id   TEXT NOT NULL,
	tool_name    TEXT NOT NULL,
	input        TEXT NOT NULL DEFAULT '{}',
	output       TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	duration_ms  INTEGER NOT NULL DEFAULT 0,
	created_at   TIMESTAMP NOT NULL,
	completed_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_executions_session ON tool_executions(session_id, created_at);

CREATE TABLE IF NOT EXISTS guardrail_logs (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL DEFAULT '',
	rule       TEXT NOT NULL,
	action     TEXT NOT NULL,
	sample     TEXT NOT NULL DEFAULT '',
	reason     TEXT NOT NULL DEFAULT '',
	metadata   TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_guardrail_session ON guardrail_logs(session_id, created_at);
`

// NewSQLiteStore opens (and migrates) a SQLite-backed store set at path.
func NewSQLiteStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, wrap("sqlite.open", err)
	}
	// SQLite handles one writer at a time.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, wrap("sqlite.migrate", err)
	}

	return &Store{
		Sessions:   &sqliteSessions{db: db},
		Memories:   &sqliteMemories{db: db},
		Tools:      &sqliteTools{db: db},
		Executions: &sqliteExecutions{db: db},
		Audit:      &sqliteAudit{db: db},
		closer:     db.Close,
	}, nil
}

func marshalMap(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func unmarshalMap(s string) map[string]string {
	if s == "" || s == "{}" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}

func marshalStrings(list []string) string {
	if len(list) == 0 {
		return "[]"
	}
	data, err := json.Marshal(list)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func unmarshalStrings(s string) []string {
	if s == "" || s == "[]" {
		return nil
	}
	var list []string
	if err := json.Unmarshal([]byte(s), &list); err != nil {
		return nil
	}
	return list
}

type sqliteSessions struct {
	db *sql.DB
}

func (s *sqliteSessions) Create(ctx context.Context, session *models.Session) error {
	if session == nil {
		return wrap("session.create", errors.New("session is required"))
	}
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	session.UpdatedAt = session.CreatedAt
	if session.Status == "" {
		session.Status = models.SessionActive
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, status, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, session.ID, session.UserID, string(session.Status), marshalMap(session.Metadata),
		session.CreatedAt, session.UpdatedAt)
	return wrap("session.create", err)
}

func (s *sqliteSessions) Get(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, status, metadata, created_at, updated_at, ended_at
		FROM sessions WHERE id = ?
	`, id)

	var session models.Session
	var status, metadata string
	var endedAt sql.NullTime
	err := row.Scan(&session.ID, &session.UserID, &status, &metadata,
		&session.CreatedAt, &session.UpdatedAt, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, wrap("session.get", ErrNotFound)
	}
	if err != nil {
		return nil, wrap("session.get", err)
	}
	session.Status = models.SessionStatus(status)
	session.Metadata = unmarshalMap(metadata)
	if endedAt.Valid {
		session.EndedAt = &endedAt.Time
	}
	return &session, nil
}

func (s *sqliteSessions) UpdateStatus(ctx context.Context, id string, status models.SessionStatus) error {
	query := `UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`
	args := []any{string(status), time.Now(), id}
	if status == models.SessionEnded {
		query = `UPDATE sessions SET status = ?, updated_at = ?, ended_at = ? WHERE id = ?`
		now := time.Now()
		args = []any{string(status), now, now, id}
	}
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return wrap("session.update_status", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return wrap("session.update_status", ErrNotFound)
	}
	return nil
}

func (s *sqliteSessions) UpdateMetadata(ctx context.Context, id string, metadata map[string]string) error {
	session, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if session.Metadata == nil {
		session.Metadata = map[string]string{}
	}
	for k, v := range metadata {
		session.Metadata[k] = v
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE sessions SET metadata = ?, updated_at = ? WHERE id = ?
	`, marshalMap(session.Metadata), time.Now(), id)
	return wrap("session.update_metadata", err)
}

func (s *sqliteSessions) ListIdleSince(ctx context.Context, cutoff time.Time) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, status, metadata, created_at, updated_at, ended_at
		FROM sessions
		WHERE status = ? AND updated_at < ?
		ORDER BY updated_at ASC
	`, string(models.SessionActive), cutoff)
	if err != nil {
		return nil, wrap("session.list_idle", err)
	}
	defer rows.Close()

	var idle []*models.Session
	for rows.Next() {
		var session models.Session
		var status, metadata string
		var endedAt sql.NullTime
		if err := rows.Scan(&session.ID, &session.UserID, &status, &metadata,
			&session.CreatedAt, &session.UpdatedAt, &endedAt); err != nil {
			return nil, wrap("session.list_idle", err)
		}
		session.Status = models.SessionStatus(status)
		session.Metadata = unmarshalMap(metadata)
		if endedAt.Valid {
			session.EndedAt = &endedAt.Time
		}
		idle = append(idle, &session)
	}
	return idle, wrap("session.list_idle", rows.Err())
}

type sqliteMemories struct {
	db *sql.DB
}

func (s *sqliteMemories) Append(ctx context.Context, entry *models.MemoryEntry) error {
	if entry == nil || entry.SessionID == "" {
		return wrap("memory.append", errors.New("session id is required"))
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO memories (id, session_id, type, content, metadata, sequence, created_at)
		SELECT ?, ?, ?, ?, ?, COALESCE(MAX(sequence), 0) + 1, ?
		FROM memories WHERE session_id = ?
		RETURNING sequence
	`, entry.ID, entry.SessionID, string(entry.Type), entry.Content,
		marshalMap(entry.Metadata), entry.CreatedAt, entry.SessionID)
	if err := row.Scan(&entry.Sequence); err != nil {
		return wrap("memory.append", err)
	}
	return nil
}

func (s *sqliteMemories) ListRecent(ctx context.Context, sessionID string, limit int) ([]*models.MemoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	// Fetch newest-first, then reverse into chronological order.
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, type, content, metadata, sequence, created_at
		FROM memories WHERE session_id = ?
		ORDER BY sequence DESC LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, wrap("memory.list_recent", err)
	}
	defer rows.Close()

	var entries []*models.MemoryEntry
	for rows.Next() {
		var entry models.MemoryEntry
		var entryType, metadata string
		if err := rows.Scan(&entry.ID, &entry.SessionID, &entryType, &entry.Content,
			&metadata, &entry.Sequence, &entry.CreatedAt); err != nil {
			return nil, wrap("memory.list_recent", err)
		}
		entry.Type = models.MemoryType(entryType)
		entry.Metadata = unmarshalMap(metadata)
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("memory.list_recent", err)
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

type sqliteTools struct {
	db *sql.DB
}

func (s *sqliteTools) Get(ctx context.Context, name string) (*models.ToolDefinition, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, description, kind, method, url_template, body_params,
		       query_params, expression, schema, active, rate_limit
		FROM tools WHERE name = ?
	`, name)
	tool, err := scanTool(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, wrap("tool.get", ErrNotFound)
	}
	if err != nil {
		return nil, wrap("tool.get", err)
	}
	return tool, nil
}

func (s *sqliteTools) ListActive(ctx context.Context) ([]*models.ToolDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, description, kind, method, url_template, body_params,
		       query_params, expression, schema, active, rate_limit
		FROM tools WHERE active = 1 ORDER BY name
	`)
	if err != nil {
		return nil, wrap("tool.list_active", err)
	}
	defer rows.Close()

	var tools []*models.ToolDefinition
	for rows.Next() {
		tool, err := scanTool(rows.Scan)
		if err != nil {
			return nil, wrap("tool.list_active", err)
		}
		tools = append(tools, tool)
	}
	return tools, wrap("tool.list_active", rows.Err())
}

func scanTool(scan func(...any) error) (*models.ToolDefinition, error) {
	var tool models.ToolDefinition
	var kind, bodyParams, queryParams string
	var schema sql.NullString
	var active int
	if err := scan(&tool.Name, &tool.Description, &kind, &tool.Method,
		&tool.URLTemplate, &bodyParams, &queryParams, &tool.Expression,
		&schema, &active, &tool.RateLimit); err != nil {
		return nil, err
	}
	tool.Kind = models.ToolKind(kind)
	tool.BodyParams = unmarshalStrings(bodyParams)
	tool.QueryParams = unmarshalStrings(queryParams)
	if schema.Valid {
		tool.Schema = json.RawMessage(schema.String)
	}
	tool.Active = active != 0
	return &tool, nil
}

func (s *sqliteTools) Upsert(ctx context.Context, tool *models.ToolDefinition) error {
	if tool == nil || tool.Name == "" {
		return wrap("tool.upsert", errors.New("tool name is required"))
	}
	active := 0
	if tool.Active {
		active = 1
	}
	var schema any
	if len(tool.Schema) > 0 {
		schema = string(tool.Schema)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tools (name, description, kind, method, url_template,
			body_params, query_params, expression, schema, active, rate_limit)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			description = excluded.description,
			kind = excluded.kind,
			method = excluded.method,
			url_template = excluded.url_template,
			body_params = excluded.body_params,
			query_params = excluded.query_params,
			expression = excluded.expression,
			schema = excluded.schema,
			active = excluded.active,
			rate_limit = excluded.rate_limit
	`, tool.Name, tool.Description, string(tool.Kind), tool.Method, tool.URLTemplate,
		marshalStrings(tool.BodyParams), marshalStrings(tool.QueryParams),
		tool.Expression, schema, active, tool.RateLimit)
	return wrap("tool.upsert", err)
}

type sqliteExecutions struct {
	db *sql.DB
}

func (s *sqliteExecutions) Create(ctx context.Context, exec *models.ToolExecution) error {
	if exec == nil {
		return wrap("execution.create", errors.New("execution is required"))
	}
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now()
	}
	input, err := json.Marshal(exec.Input)
	if err != nil {
		input = []byte("{}")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tool_executions (id, session_id, tool_name, input, output, error, status, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, exec.ID, exec.SessionID, exec.ToolName, string(input), exec.Output,
		exec.Error, string(exec.Status), exec.Duration.Milliseconds(), exec.CreatedAt)
	return wrap("execution.create", err)
}

func (s *sqliteExecutions) Update(ctx context.Context, exec *models.ToolExecution) error {
	if exec == nil || exec.ID == "" {
		return wrap("execution.update", errors.New("execution id is required"))
	}
	var completedAt any
	if exec.CompletedAt != nil {
		completedAt = *exec.CompletedAt
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE tool_executions
		SET output = ?, error = ?, status = ?, duration_ms = ?, completed_at = ?
		WHERE id = ?
	`, exec.Output, exec.Error, string(exec.Status), exec.Duration.Milliseconds(),
		completedAt, exec.ID)
	if err != nil {
		return wrap("execution.update", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return wrap("execution.update", ErrNotFound)
	}
	return nil
}

func (s *sqliteExecutions) Get(ctx context.Context, id string) (*models.ToolExecution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, tool_name, input, output, error, status, duration_ms, created_at, completed_at
		FROM tool_executions WHERE id = ?
	`, id)

	var exec models.ToolExecution
	var input, status string
	var durationMS int64
	var completedAt sql.NullTime
	err := row.Scan(&exec.ID, &exec.SessionID, &exec.ToolName, &input, &exec.Output,
		&exec.Error, &status, &durationMS, &exec.CreatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, wrap("execution.get", ErrNotFound)
	}
	if err != nil {
		return nil, wrap("execution.get", err)
	}
	exec.Status = models.ExecutionStatus(status)
	exec.Duration = time.Duration(durationMS) * time.Millisecond
	if input != "" {
		_ = json.Unmarshal([]byte(input), &exec.Input)
	}
	if completedAt.Valid {
		exec.CompletedAt = &completedAt.Time
	}
	return &exec, nil
}

type sqliteAudit struct {
	db *sql.DB
}

func (s *sqliteAudit) Append(ctx context.Context, entry *models.GuardrailLogEntry) error {
	if entry == nil {
		return wrap("audit.append", errors.New("entry is required"))
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO guardrail_logs (id, session_id, rule, action, sample, reason, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.SessionID, entry.Rule, string(entry.Action), entry.Sample,
		entry.Reason, marshalMap(entry.Metadata), entry.CreatedAt)
	return wrap("audit.append", err)
}

func (s *sqliteAudit) ListBySession(ctx context.Context, sessionID string, limit int) ([]*models.GuardrailLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, rule, action, sample, reason, metadata, created_at
		FROM guardrail_logs
		WHERE (? = '' OR session_id = ?)
		ORDER BY created_at ASC LIMIT ?
	`, sessionID, sessionID, limit)
	if err != nil {
		return nil, wrap("audit.list", err)
	}
	defer rows.Close()

	var entries []*models.GuardrailLogEntry
	for rows.Next() {
		var entry models.GuardrailLogEntry
		var action, metadata string
		if err := rows.Scan(&entry.ID, &entry.SessionID, &entry.Rule, &action,
			&entry.Sample, &entry.Reason, &metadata, &entry.CreatedAt); err != nil {
			return nil, wrap("audit.list", err)
		}
		entry.Action = models.GuardrailAction(action)
		entry.Metadata = unmarshalMap(metadata)
		entries = append(entries, &entry)
	}
	return entries, wrap("audit.list", rows.Err())
}
