package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the canonical local persistence for all six collections.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates/opens the agent database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, storageErr("create db dir", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, storageErr("open sqlite db", err)
	}
	// Single-process store. Use one shared connection to avoid writer
	// lock contention with SQLite under concurrent goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			memory_type TEXT NOT NULL DEFAULT '',
			topics_json TEXT NOT NULL DEFAULT '[]',
			embedding_json TEXT NOT NULL DEFAULT '',
			importance REAL NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			synced_at_ms INTEGER NOT NULL DEFAULT 0,
			cloud_id TEXT NOT NULL DEFAULT '',
			pending_sync INTEGER NOT NULL DEFAULT 1
		);`,
		`CREATE INDEX IF NOT EXISTS memories_pending_idx ON memories(pending_sync, updated_at_ms);`,
		`CREATE INDEX IF NOT EXISTS memories_cloud_idx ON memories(cloud_id);`,
		`CREATE INDEX IF NOT EXISTS memories_importance_idx ON memories(pending_sync, importance, updated_at_ms);`,
		`CREATE TABLE IF NOT EXISTS memory_topics (
			memory_id TEXT NOT NULL,
			topic TEXT NOT NULL,
			PRIMARY KEY(memory_id, topic)
		);`,
		`CREATE INDEX IF NOT EXISTS memory_topics_topic_idx ON memory_topics(topic, memory_id);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			session_type TEXT NOT NULL DEFAULT '',
			context_json TEXT NOT NULL DEFAULT '{}',
			messages_json TEXT NOT NULL DEFAULT '[]',
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			synced_at_ms INTEGER NOT NULL DEFAULT 0,
			cloud_id TEXT NOT NULL DEFAULT '',
			pending_sync INTEGER NOT NULL DEFAULT 1
		);`,
		`CREATE INDEX IF NOT EXISTS sessions_type_idx ON sessions(session_type, updated_at_ms DESC);`,
		`CREATE INDEX IF NOT EXISTS sessions_pending_idx ON sessions(pending_sync, updated_at_ms);`,
		`CREATE INDEX IF NOT EXISTS sessions_cloud_idx ON sessions(cloud_id);`,
		`CREATE TABLE IF NOT EXISTS knowledge_chunks (
			id TEXT PRIMARY KEY,
			source_id TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding_json TEXT NOT NULL DEFAULT '',
			metadata_json TEXT NOT NULL DEFAULT '{}',
			priority INTEGER NOT NULL DEFAULT 0,
			expires_at_ms INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS knowledge_source_idx ON knowledge_chunks(source_id, priority DESC);`,
		`CREATE INDEX IF NOT EXISTS knowledge_expiry_idx ON knowledge_chunks(expires_at_ms);`,
		`CREATE TABLE IF NOT EXISTS pending_tasks (
			id TEXT PRIMARY KEY,
			task_type TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			payload_json TEXT NOT NULL DEFAULT '{}',
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 3,
			state TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS pending_tasks_claim_idx ON pending_tasks(state, priority DESC, created_at_ms);`,
		`CREATE INDEX IF NOT EXISTS pending_tasks_type_idx ON pending_tasks(task_type, created_at_ms);`,
		`CREATE TABLE IF NOT EXISTS embedding_cache (
			content_hash TEXT NOT NULL,
			model TEXT NOT NULL,
			vector_json TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL,
			PRIMARY KEY(content_hash, model)
		);`,
		`CREATE INDEX IF NOT EXISTS embedding_cache_age_idx ON embedding_cache(created_at_ms);`,
		`CREATE TABLE IF NOT EXISTS sync_log (
			id TEXT PRIMARY KEY,
			entity TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			op TEXT NOT NULL,
			synced INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL,
			synced_at_ms INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS sync_log_unsynced_idx ON sync_log(synced, entity, id);`,
		`CREATE INDEX IF NOT EXISTS sync_log_entity_idx ON sync_log(entity, entity_id);`,
		`CREATE TABLE IF NOT EXISTS sync_conflicts (
			id TEXT PRIMARY KEY,
			entity TEXT NOT NULL,
			local_id TEXT NOT NULL,
			cloud_id TEXT NOT NULL DEFAULT '',
			local_updated_ms INTEGER NOT NULL DEFAULT 0,
			remote_updated_ms INTEGER NOT NULL DEFAULT 0,
			local_snapshot TEXT NOT NULL DEFAULT '',
			remote_snapshot TEXT NOT NULL DEFAULT '',
			detected_at_ms INTEGER NOT NULL,
			UNIQUE(entity, local_id)
		);`,
		`CREATE INDEX IF NOT EXISTS sync_conflicts_detected_idx ON sync_conflicts(detected_at_ms, id);`,
		`CREATE TABLE IF NOT EXISTS sync_state (
			entity TEXT PRIMARY KEY,
			cursor TEXT NOT NULL DEFAULT '',
			updated_at_ms INTEGER NOT NULL
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return storageErr(fmt.Sprintf("init schema on %q", trimSQL(stmt)), err)
		}
	}
	return nil
}

func trimSQL(sql string) string {
	line := strings.TrimSpace(sql)
	if len(line) > 96 {
		return line[:96] + "..."
	}
	return line
}

func nowMS() int64 { return time.Now().UnixMilli() }

func newLogID() string { return ulid.Make().String() }

func encodeVector(vec []float32) string {
	if len(vec) == 0 {
		return ""
	}
	b, err := json.Marshal(vec)
	if err != nil {
		return ""
	}
	return string(b)
}

func decodeVector(raw string) []float32 {
	if raw == "" {
		return nil
	}
	out := []float32{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func encodeStrings(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	b, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeStrings(raw string) []string {
	if raw == "" {
		return nil
	}
	out := []string{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func encodeMap(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func decodeMap(raw string) map[string]string {
	if raw == "" {
		return map[string]string{}
	}
	out := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]string{}
	}
	return out
}

func encodeMessages(msgs []Message) string {
	if len(msgs) == 0 {
		return "[]"
	}
	b, err := json.Marshal(msgs)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeMessages(raw string) []Message {
	if raw == "" {
		return nil
	}
	out := []Message{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func encodeContext(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

// ---- memories ----

// PutMemory creates or whole-record-replaces a memory and appends the
// matching sync log entry in the same transaction. A failed log append
// rolls the record write back.
func (s *SQLiteStore) PutMemory(ctx context.Context, m Memory) (Memory, error) {
	if strings.TrimSpace(m.Content) == "" {
		return Memory{}, &ValidationError{Field: "memory.content", Reason: "empty"}
	}
	now := nowMS()
	op := OpUpdate
	if m.ID == "" {
		m.ID = uuid.NewString()
		op = OpCreate
	}
	if m.CreatedAtMS == 0 {
		m.CreatedAtMS = now
	}
	m.UpdatedAtMS = now
	m.PendingSync = true

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Memory{}, storageErr("put memory begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM memories WHERE id = ?`, m.ID).Scan(&exists); err != nil {
		return Memory{}, storageErr("put memory lookup", err)
	}
	if exists == 0 {
		op = OpCreate
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO memories(id, content, memory_type, topics_json, embedding_json, importance, created_at_ms, updated_at_ms, synced_at_ms, cloud_id, pending_sync)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
ON CONFLICT(id) DO UPDATE SET
	content = excluded.content,
	memory_type = excluded.memory_type,
	topics_json = excluded.topics_json,
	embedding_json = excluded.embedding_json,
	importance = excluded.importance,
	updated_at_ms = excluded.updated_at_ms,
	pending_sync = 1`,
		m.ID, m.Content, m.MemoryType, encodeStrings(m.Topics), encodeVector(m.Embedding),
		m.Importance, m.CreatedAtMS, m.UpdatedAtMS, m.SyncedAtMS, m.CloudID); err != nil {
		return Memory{}, storageErr("put memory upsert", err)
	}

	if err := replaceTopicsTx(ctx, tx, m.ID, m.Topics); err != nil {
		return Memory{}, storageErr("put memory topics", err)
	}
	if err := appendLogTx(ctx, tx, EntityMemory, m.ID, op); err != nil {
		return Memory{}, storageErr("put memory log", err)
	}
	if err := tx.Commit(); err != nil {
		return Memory{}, storageErr("put memory commit", err)
	}
	return m, nil
}

func (s *SQLiteStore) GetMemory(ctx context.Context, id string) (Memory, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, content, memory_type, topics_json, embedding_json, importance, created_at_ms, updated_at_ms, synced_at_ms, cloud_id, pending_sync
FROM memories WHERE id = ?`, id)
	return scanMemory(row)
}

// GetMemoryByCloudID looks up the local record mapped to a server ID.
func (s *SQLiteStore) GetMemoryByCloudID(ctx context.Context, cloudID string) (Memory, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, content, memory_type, topics_json, embedding_json, importance, created_at_ms, updated_at_ms, synced_at_ms, cloud_id, pending_sync
FROM memories WHERE cloud_id = ?`, cloudID)
	return scanMemory(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (Memory, error) {
	var m Memory
	var topicsRaw, embRaw string
	var pending int
	if err := row.Scan(&m.ID, &m.Content, &m.MemoryType, &topicsRaw, &embRaw, &m.Importance,
		&m.CreatedAtMS, &m.UpdatedAtMS, &m.SyncedAtMS, &m.CloudID, &pending); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Memory{}, ErrNotFound
		}
		return Memory{}, storageErr("scan memory", err)
	}
	m.Topics = decodeStrings(topicsRaw)
	m.Embedding = decodeVector(embRaw)
	m.PendingSync = pending != 0
	return m, nil
}

// DeleteMemory removes the record and logs a delete in the same
// transaction; the log entry keeps the delete pushable after the row
// is gone.
func (s *SQLiteStore) DeleteMemory(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("delete memory begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return storageErr("delete memory", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_topics WHERE memory_id = ?`, id); err != nil {
		return storageErr("delete memory topics", err)
	}
	if err := appendLogTx(ctx, tx, EntityMemory, id, OpDelete); err != nil {
		return storageErr("delete memory log", err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("delete memory commit", err)
	}
	return nil
}

func (s *SQLiteStore) ListMemories(ctx context.Context, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, content, memory_type, topics_json, embedding_json, importance, created_at_ms, updated_at_ms, synced_at_ms, cloud_id, pending_sync
FROM memories
ORDER BY updated_at_ms DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, storageErr("list memories", err)
	}
	return collectMemories(rows)
}

func (s *SQLiteStore) ListMemoriesByTopic(ctx context.Context, topic string, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT m.id, m.content, m.memory_type, m.topics_json, m.embedding_json, m.importance, m.created_at_ms, m.updated_at_ms, m.synced_at_ms, m.cloud_id, m.pending_sync
FROM memory_topics t
JOIN memories m ON m.id = t.memory_id
WHERE t.topic = ?
ORDER BY m.importance DESC, m.updated_at_ms DESC
LIMIT ?`, topic, limit)
	if err != nil {
		return nil, storageErr("list memories by topic", err)
	}
	return collectMemories(rows)
}

func (s *SQLiteStore) ListPendingMemories(ctx context.Context, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, content, memory_type, topics_json, embedding_json, importance, created_at_ms, updated_at_ms, synced_at_ms, cloud_id, pending_sync
FROM memories
WHERE pending_sync = 1
ORDER BY updated_at_ms ASC
LIMIT ?`, limit)
	if err != nil {
		return nil, storageErr("list pending memories", err)
	}
	return collectMemories(rows)
}

func collectMemories(rows *sql.Rows) ([]Memory, error) {
	defer rows.Close()
	out := []Memory{}
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate memories", err)
	}
	return out, nil
}

// SetMemoryEmbedding stores a locally computed vector. Embeddings are
// derived state, so this does not touch pending_sync or the sync log.
func (s *SQLiteStore) SetMemoryEmbedding(ctx context.Context, id string, vector []float32) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE memories SET embedding_json = ? WHERE id = ?`, encodeVector(vector), id)
	if err != nil {
		return storageErr("set memory embedding", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// EvictMemories trims the collection to maxCount records. Only synced
// memories are eligible; lowest importance goes first, oldest first
// within equal importance. Eviction is local trimming of already
// uploaded records, so no delete is logged.
func (s *SQLiteStore) EvictMemories(ctx context.Context, maxCount int) (int, error) {
	if maxCount <= 0 {
		return 0, nil
	}
	// Pending records count against the cap but never compete for
	// keep slots; only the budget left after reserving them is ranked
	// among synced rows.
	var pending int
	if err := s.db.QueryRowContext(ctx, `
SELECT COUNT(1) FROM memories WHERE pending_sync = 1`).Scan(&pending); err != nil {
		return 0, storageErr("evict memories count pending", err)
	}
	budget := maxCount - pending
	if budget < 0 {
		budget = 0
	}
	res, err := s.db.ExecContext(ctx, `
DELETE FROM memories
WHERE pending_sync = 0
AND id NOT IN (
	SELECT id FROM memories
	WHERE pending_sync = 0
	ORDER BY importance DESC, updated_at_ms DESC
	LIMIT ?
)`, budget)
	if err != nil {
		return 0, storageErr("evict memories", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM memory_topics WHERE memory_id NOT IN (SELECT id FROM memories)`)
	}
	return int(n), nil
}

func replaceTopicsTx(ctx context.Context, tx *sql.Tx, memoryID string, topics []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_topics WHERE memory_id = ?`, memoryID); err != nil {
		return err
	}
	for _, topic := range topics {
		topic = strings.TrimSpace(topic)
		if topic == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO memory_topics(memory_id, topic) VALUES(?, ?)
ON CONFLICT(memory_id, topic) DO NOTHING`, memoryID, topic); err != nil {
			return err
		}
	}
	return nil
}

// ---- sessions ----

func (s *SQLiteStore) PutSession(ctx context.Context, sess Session) (Session, error) {
	if strings.TrimSpace(sess.SessionType) == "" {
		return Session{}, &ValidationError{Field: "session.session_type", Reason: "empty"}
	}
	now := nowMS()
	op := OpUpdate
	if sess.ID == "" {
		sess.ID = uuid.NewString()
		op = OpCreate
	}
	if sess.CreatedAtMS == 0 {
		sess.CreatedAtMS = now
	}
	sess.UpdatedAtMS = now
	sess.PendingSync = true

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Session{}, storageErr("put session begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM sessions WHERE id = ?`, sess.ID).Scan(&exists); err != nil {
		return Session{}, storageErr("put session lookup", err)
	}
	if exists == 0 {
		op = OpCreate
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO sessions(id, session_type, context_json, messages_json, created_at_ms, updated_at_ms, synced_at_ms, cloud_id, pending_sync)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, 1)
ON CONFLICT(id) DO UPDATE SET
	session_type = excluded.session_type,
	context_json = excluded.context_json,
	messages_json = excluded.messages_json,
	updated_at_ms = excluded.updated_at_ms,
	pending_sync = 1`,
		sess.ID, sess.SessionType, encodeContext(sess.Context), encodeMessages(sess.Messages),
		sess.CreatedAtMS, sess.UpdatedAtMS, sess.SyncedAtMS, sess.CloudID); err != nil {
		return Session{}, storageErr("put session upsert", err)
	}
	if err := appendLogTx(ctx, tx, EntitySession, sess.ID, op); err != nil {
		return Session{}, storageErr("put session log", err)
	}
	if err := tx.Commit(); err != nil {
		return Session{}, storageErr("put session commit", err)
	}
	return sess, nil
}

// AppendMessages appends to the session transcript and logs one update.
func (s *SQLiteStore) AppendMessages(ctx context.Context, id string, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("append messages begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	var raw string
	if err := tx.QueryRowContext(ctx, `SELECT messages_json FROM sessions WHERE id = ?`, id).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return storageErr("append messages lookup", err)
	}
	combined := append(decodeMessages(raw), msgs...)
	if _, err := tx.ExecContext(ctx, `
UPDATE sessions SET messages_json = ?, updated_at_ms = ?, pending_sync = 1 WHERE id = ?`,
		encodeMessages(combined), nowMS(), id); err != nil {
		return storageErr("append messages update", err)
	}
	if err := appendLogTx(ctx, tx, EntitySession, id, OpUpdate); err != nil {
		return storageErr("append messages log", err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("append messages commit", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, session_type, context_json, messages_json, created_at_ms, updated_at_ms, synced_at_ms, cloud_id, pending_sync
FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func (s *SQLiteStore) GetSessionByCloudID(ctx context.Context, cloudID string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, session_type, context_json, messages_json, created_at_ms, updated_at_ms, synced_at_ms, cloud_id, pending_sync
FROM sessions WHERE cloud_id = ?`, cloudID)
	return scanSession(row)
}

func scanSession(row rowScanner) (Session, error) {
	var sess Session
	var ctxRaw, msgsRaw string
	var pending int
	if err := row.Scan(&sess.ID, &sess.SessionType, &ctxRaw, &msgsRaw,
		&sess.CreatedAtMS, &sess.UpdatedAtMS, &sess.SyncedAtMS, &sess.CloudID, &pending); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, storageErr("scan session", err)
	}
	sess.Context = json.RawMessage(ctxRaw)
	sess.Messages = decodeMessages(msgsRaw)
	sess.PendingSync = pending != 0
	return sess, nil
}

// DeleteSession removes a whole session. Sessions are never partially
// deleted.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("delete session begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return storageErr("delete session", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if err := appendLogTx(ctx, tx, EntitySession, id, OpDelete); err != nil {
		return storageErr("delete session log", err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("delete session commit", err)
	}
	return nil
}

func (s *SQLiteStore) ListSessionsByType(ctx context.Context, sessionType string, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_type, context_json, messages_json, created_at_ms, updated_at_ms, synced_at_ms, cloud_id, pending_sync
FROM sessions
WHERE session_type = ?
ORDER BY updated_at_ms DESC
LIMIT ?`, sessionType, limit)
	if err != nil {
		return nil, storageErr("list sessions by type", err)
	}
	return collectSessions(rows)
}

func (s *SQLiteStore) ListPendingSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_type, context_json, messages_json, created_at_ms, updated_at_ms, synced_at_ms, cloud_id, pending_sync
FROM sessions
WHERE pending_sync = 1
ORDER BY updated_at_ms ASC
LIMIT ?`, limit)
	if err != nil {
		return nil, storageErr("list pending sessions", err)
	}
	return collectSessions(rows)
}

func collectSessions(rows *sql.Rows) ([]Session, error) {
	defer rows.Close()
	out := []Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate sessions", err)
	}
	return out, nil
}

// ---- knowledge chunks ----

// PutKnowledgeChunk upserts a cached chunk. Knowledge is a local cache
// of remote content, so no sync log entry is written.
func (s *SQLiteStore) PutKnowledgeChunk(ctx context.Context, c KnowledgeChunk) (KnowledgeChunk, error) {
	if strings.TrimSpace(c.SourceID) == "" {
		return KnowledgeChunk{}, &ValidationError{Field: "knowledge.source_id", Reason: "empty"}
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAtMS == 0 {
		c.CreatedAtMS = nowMS()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO knowledge_chunks(id, source_id, content, embedding_json, metadata_json, priority, expires_at_ms, created_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	source_id = excluded.source_id,
	content = excluded.content,
	embedding_json = excluded.embedding_json,
	metadata_json = excluded.metadata_json,
	priority = excluded.priority,
	expires_at_ms = excluded.expires_at_ms`,
		c.ID, c.SourceID, c.Content, encodeVector(c.Embedding), encodeMap(c.Metadata),
		c.Priority, c.ExpiresAtMS, c.CreatedAtMS)
	if err != nil {
		return KnowledgeChunk{}, storageErr("put knowledge chunk", err)
	}
	return c, nil
}

func (s *SQLiteStore) GetKnowledgeChunk(ctx context.Context, id string) (KnowledgeChunk, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, source_id, content, embedding_json, metadata_json, priority, expires_at_ms, created_at_ms
FROM knowledge_chunks WHERE id = ?`, id)
	return scanChunk(row)
}

func scanChunk(row rowScanner) (KnowledgeChunk, error) {
	var c KnowledgeChunk
	var embRaw, metaRaw string
	if err := row.Scan(&c.ID, &c.SourceID, &c.Content, &embRaw, &metaRaw, &c.Priority, &c.ExpiresAtMS, &c.CreatedAtMS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return KnowledgeChunk{}, ErrNotFound
		}
		return KnowledgeChunk{}, storageErr("scan knowledge chunk", err)
	}
	c.Embedding = decodeVector(embRaw)
	c.Metadata = decodeMap(metaRaw)
	return c, nil
}

func (s *SQLiteStore) ListKnowledgeBySource(ctx context.Context, sourceID string, limit int) ([]KnowledgeChunk, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, source_id, content, embedding_json, metadata_json, priority, expires_at_ms, created_at_ms
FROM knowledge_chunks
WHERE source_id = ?
ORDER BY priority DESC, created_at_ms ASC
LIMIT ?`, sourceID, limit)
	if err != nil {
		return nil, storageErr("list knowledge by source", err)
	}
	defer rows.Close()

	out := []KnowledgeChunk{}
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate knowledge chunks", err)
	}
	return out, nil
}

// SweepExpiredKnowledge deletes chunks whose expiry has passed.
func (s *SQLiteStore) SweepExpiredKnowledge(ctx context.Context, nowMS int64) (int, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM knowledge_chunks WHERE expires_at_ms > 0 AND expires_at_ms <= ?`, nowMS)
	if err != nil {
		return 0, storageErr("sweep expired knowledge", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ---- pending tasks ----

func (s *SQLiteStore) EnqueueTask(ctx context.Context, t PendingTask) (PendingTask, error) {
	if t.Type == "" {
		return PendingTask{}, &ValidationError{Field: "task.task_type", Reason: "empty"}
	}
	now := nowMS()
	if t.ID == "" {
		t.ID = ulid.Make().String()
	}
	if t.Status.State == "" {
		t.Status = StatusQueued()
	}
	if t.MaxRetries <= 0 {
		t.MaxRetries = 3
	}
	if t.CreatedAtMS == 0 {
		t.CreatedAtMS = now
	}
	t.UpdatedAtMS = now

	_, err := s.db.ExecContext(ctx, `
INSERT INTO pending_tasks(id, task_type, priority, payload_json, retry_count, max_retries, state, error, created_at_ms, updated_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, string(t.Type), t.Priority, encodeMap(t.Payload), t.RetryCount, t.MaxRetries,
		string(t.Status.State), t.Status.Error, t.CreatedAtMS, t.UpdatedAtMS)
	if err != nil {
		return PendingTask{}, storageErr("enqueue task", err)
	}
	return t, nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (PendingTask, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, task_type, priority, payload_json, retry_count, max_retries, state, error, created_at_ms, updated_at_ms
FROM pending_tasks WHERE id = ?`, id)
	return scanTask(row)
}

func scanTask(row rowScanner) (PendingTask, error) {
	var t PendingTask
	var taskType, state, payloadRaw string
	if err := row.Scan(&t.ID, &taskType, &t.Priority, &payloadRaw, &t.RetryCount, &t.MaxRetries,
		&state, &t.Status.Error, &t.CreatedAtMS, &t.UpdatedAtMS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PendingTask{}, ErrNotFound
		}
		return PendingTask{}, storageErr("scan task", err)
	}
	t.Type = TaskType(taskType)
	t.Status.State = TaskState(state)
	t.Payload = decodeMap(payloadRaw)
	return t, nil
}

// ClaimNextTask atomically selects the best queued task and marks it
// running. Selection is an explicit two-key sort: priority descending,
// then created_at ascending for FIFO within equal priority.
func (s *SQLiteStore) ClaimNextTask(ctx context.Context) (PendingTask, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return PendingTask{}, false, storageErr("claim task begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
SELECT id, task_type, priority, payload_json, retry_count, max_retries, state, error, created_at_ms, updated_at_ms
FROM pending_tasks
WHERE state = ?
ORDER BY priority DESC, created_at_ms ASC
LIMIT 1`, string(TaskQueued))
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return PendingTask{}, false, nil
		}
		return PendingTask{}, false, err
	}

	now := nowMS()
	res, err := tx.ExecContext(ctx, `
UPDATE pending_tasks SET state = ?, updated_at_ms = ? WHERE id = ? AND state = ?`,
		string(TaskRunning), now, t.ID, string(TaskQueued))
	if err != nil {
		return PendingTask{}, false, storageErr("claim task update", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return PendingTask{}, false, nil
	}
	if err := tx.Commit(); err != nil {
		return PendingTask{}, false, storageErr("claim task commit", err)
	}
	t.Status = TaskStatus{State: TaskRunning}
	t.UpdatedAtMS = now
	return t, true, nil
}

// PeekNextTask returns the task ClaimNextTask would pick, without
// claiming it. Used to evaluate resource cost before committing.
func (s *SQLiteStore) PeekNextTask(ctx context.Context) (PendingTask, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, task_type, priority, payload_json, retry_count, max_retries, state, error, created_at_ms, updated_at_ms
FROM pending_tasks
WHERE state = ?
ORDER BY priority DESC, created_at_ms ASC
LIMIT 1`, string(TaskQueued))
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return PendingTask{}, false, nil
		}
		return PendingTask{}, false, err
	}
	return t, true, nil
}

// UpdateTaskStatus sets the task status. The error column is cleared
// unless the new state is failed. Transitions out of a terminal state
// are rejected.
func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, id string, status TaskStatus) error {
	cur, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if cur.Status.Terminal() && status.State != cur.Status.State {
		return &ValidationError{
			Field:  "task.state",
			Reason: fmt.Sprintf("cannot leave terminal state %s", cur.Status.State),
		}
	}
	errMsg := ""
	if status.State == TaskFailed {
		errMsg = status.Error
	}
	_, err = s.db.ExecContext(ctx, `
UPDATE pending_tasks SET state = ?, error = ?, updated_at_ms = ? WHERE id = ?`,
		string(status.State), errMsg, nowMS(), id)
	if err != nil {
		return storageErr("update task status", err)
	}
	return nil
}

// RequeueTask returns a running task to the queue with retry_count
// bumped. The caller decides retry vs. fail against max_retries.
func (s *SQLiteStore) RequeueTask(ctx context.Context, id string) (PendingTask, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return PendingTask{}, storageErr("requeue task begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
SELECT id, task_type, priority, payload_json, retry_count, max_retries, state, error, created_at_ms, updated_at_ms
FROM pending_tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		return PendingTask{}, err
	}
	if t.Status.Terminal() {
		return PendingTask{}, &ValidationError{Field: "task.state", Reason: "cannot requeue terminal task"}
	}
	now := nowMS()
	if _, err := tx.ExecContext(ctx, `
UPDATE pending_tasks SET state = ?, retry_count = retry_count + 1, error = '', updated_at_ms = ? WHERE id = ?`,
		string(TaskQueued), now, id); err != nil {
		return PendingTask{}, storageErr("requeue task update", err)
	}
	if err := tx.Commit(); err != nil {
		return PendingTask{}, storageErr("requeue task commit", err)
	}
	t.RetryCount++
	t.Status = StatusQueued()
	t.UpdatedAtMS = now
	return t, nil
}

func (s *SQLiteStore) TasksByType(ctx context.Context, taskType TaskType, limit int) ([]PendingTask, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, task_type, priority, payload_json, retry_count, max_retries, state, error, created_at_ms, updated_at_ms
FROM pending_tasks
WHERE task_type = ?
ORDER BY created_at_ms ASC
LIMIT ?`, string(taskType), limit)
	if err != nil {
		return nil, storageErr("tasks by type", err)
	}
	return collectTasks(rows)
}

func (s *SQLiteStore) TasksByState(ctx context.Context, state TaskState, limit int) ([]PendingTask, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, task_type, priority, payload_json, retry_count, max_retries, state, error, created_at_ms, updated_at_ms
FROM pending_tasks
WHERE state = ?
ORDER BY priority DESC, created_at_ms ASC
LIMIT ?`, string(state), limit)
	if err != nil {
		return nil, storageErr("tasks by state", err)
	}
	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]PendingTask, error) {
	defer rows.Close()
	out := []PendingTask{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate tasks", err)
	}
	return out, nil
}

// RequeueRunningTasks reverts running tasks to queued. Called once at
// startup so work interrupted by a crash is picked up again.
func (s *SQLiteStore) RequeueRunningTasks(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE pending_tasks SET state = ?, updated_at_ms = ? WHERE state = ?`,
		string(TaskQueued), nowMS(), string(TaskRunning))
	if err != nil {
		return 0, storageErr("requeue running tasks", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ---- embedding cache ----

func (s *SQLiteStore) GetCachedEmbedding(ctx context.Context, contentHash, model string) ([]float32, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT vector_json FROM embedding_cache WHERE content_hash = ? AND model = ?`, contentHash, model)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, storageErr("get cached embedding", err)
	}
	return decodeVector(raw), true, nil
}

func (s *SQLiteStore) PutCachedEmbedding(ctx context.Context, e EmbeddingCacheEntry) error {
	if e.CreatedAtMS == 0 {
		e.CreatedAtMS = nowMS()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO embedding_cache(content_hash, model, vector_json, created_at_ms)
VALUES(?, ?, ?, ?)
ON CONFLICT(content_hash, model) DO UPDATE SET
	vector_json = excluded.vector_json,
	created_at_ms = excluded.created_at_ms`,
		e.ContentHash, e.Model, encodeVector(e.Vector), e.CreatedAtMS)
	if err != nil {
		return storageErr("put cached embedding", err)
	}
	return nil
}

// PruneEmbeddingCache drops the oldest entries beyond maxEntries.
// Absence is always recoverable by recomputation.
func (s *SQLiteStore) PruneEmbeddingCache(ctx context.Context, maxEntries int) (int, error) {
	if maxEntries <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
DELETE FROM embedding_cache
WHERE rowid NOT IN (
	SELECT rowid FROM embedding_cache
	ORDER BY created_at_ms DESC
	LIMIT ?
)`, maxEntries)
	if err != nil {
		return 0, storageErr("prune embedding cache", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ---- sync log ----

func appendLogTx(ctx context.Context, tx *sql.Tx, entity EntityKind, entityID string, op SyncOp) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO sync_log(id, entity, entity_id, op, synced, created_at_ms, synced_at_ms)
VALUES(?, ?, ?, ?, 0, ?, 0)`, newLogID(), string(entity), entityID, string(op), nowMS())
	return err
}

// UnsyncedLogEntries returns pending ledger entries for one entity kind
// in creation order (ULIDs sort lexicographically by time).
func (s *SQLiteStore) UnsyncedLogEntries(ctx context.Context, entity EntityKind, limit int) ([]SyncLogEntry, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, entity, entity_id, op, synced, created_at_ms, synced_at_ms
FROM sync_log
WHERE synced = 0 AND entity = ?
ORDER BY id ASC
LIMIT ?`, string(entity), limit)
	if err != nil {
		return nil, storageErr("unsynced log entries", err)
	}
	defer rows.Close()

	out := []SyncLogEntry{}
	for rows.Next() {
		var e SyncLogEntry
		var entityRaw, opRaw string
		var synced int
		if err := rows.Scan(&e.ID, &entityRaw, &e.EntityID, &opRaw, &synced, &e.CreatedAtMS, &e.SyncedAtMS); err != nil {
			return nil, storageErr("scan sync log entry", err)
		}
		e.Entity = EntityKind(entityRaw)
		e.Op = SyncOp(opRaw)
		e.Synced = synced != 0
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate sync log", err)
	}
	return out, nil
}

// CountUnsynced returns the number of pending ledger entries per entity.
func (s *SQLiteStore) CountUnsynced(ctx context.Context) (map[EntityKind]int, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT entity, COUNT(1) FROM sync_log WHERE synced = 0 GROUP BY entity`)
	if err != nil {
		return nil, storageErr("count unsynced", err)
	}
	defer rows.Close()

	out := map[EntityKind]int{}
	for rows.Next() {
		var entity string
		var n int
		if err := rows.Scan(&entity, &n); err != nil {
			return nil, storageErr("scan unsynced count", err)
		}
		out[EntityKind(entity)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate unsynced counts", err)
	}
	return out, nil
}

// CompletePush applies a push response for one accepted batch: server
// ID mappings land on the records first, then the ledger entries flip
// to synced, all in one transaction. A transport error before the
// response leaves everything pending.
func (s *SQLiteStore) CompletePush(ctx context.Context, entity EntityKind, mappings map[string]string, acceptedLogIDs []string, atMS int64) error {
	if atMS == 0 {
		atMS = nowMS()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("complete push begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	table := ""
	switch entity {
	case EntityMemory:
		table = "memories"
	case EntitySession:
		table = "sessions"
	default:
		return &ValidationError{Field: "entity", Reason: fmt.Sprintf("no sync table for %q", entity)}
	}

	for localID, cloudID := range mappings {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
UPDATE %s SET cloud_id = ? WHERE id = ?`, table), cloudID, localID); err != nil {
			return storageErr("complete push apply mapping", err)
		}
	}

	acceptedEntities := map[string]struct{}{}
	for _, logID := range acceptedLogIDs {
		var entityID string
		if err := tx.QueryRowContext(ctx, `SELECT entity_id FROM sync_log WHERE id = ?`, logID).Scan(&entityID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			return storageErr("complete push lookup entry", err)
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE sync_log SET synced = 1, synced_at_ms = ? WHERE id = ?`, atMS, logID); err != nil {
			return storageErr("complete push mark entry", err)
		}
		acceptedEntities[entityID] = struct{}{}
	}

	// A record stays pending while any of its ledger entries are
	// unsynced; only fully flushed records stop being push candidates.
	for entityID := range acceptedEntities {
		var remaining int
		if err := tx.QueryRowContext(ctx, `
SELECT COUNT(1) FROM sync_log WHERE entity = ? AND entity_id = ? AND synced = 0`,
			string(entity), entityID).Scan(&remaining); err != nil {
			return storageErr("complete push count remaining", err)
		}
		if remaining == 0 {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
UPDATE %s SET pending_sync = 0, synced_at_ms = ? WHERE id = ?`, table), atMS, entityID); err != nil {
				return storageErr("complete push clear pending", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr("complete push commit", err)
	}
	return nil
}

// ---- conflicts ----

// PutConflict records a held-back conflict durably. A record already
// in conflict keeps its row and ID; only the remote side is refreshed,
// so repeated pulls of the same collision never pile up duplicates.
// The returned value is the surviving row.
func (s *SQLiteStore) PutConflict(ctx context.Context, c SyncConflict) (SyncConflict, error) {
	if c.LocalID == "" {
		return SyncConflict{}, &ValidationError{Field: "local_id", Reason: "empty"}
	}
	if c.ID == "" {
		c.ID = newLogID()
	}
	if c.DetectedAtMS == 0 {
		c.DetectedAtMS = nowMS()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sync_conflicts(id, entity, local_id, cloud_id, local_updated_ms, remote_updated_ms,
	local_snapshot, remote_snapshot, detected_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(entity, local_id) DO UPDATE SET
	remote_updated_ms = excluded.remote_updated_ms,
	remote_snapshot = excluded.remote_snapshot`,
		c.ID, string(c.Entity), c.LocalID, c.CloudID, c.LocalUpdatedMS, c.RemoteUpdatedMS,
		string(c.LocalSnapshot), string(c.RemoteSnapshot), c.DetectedAtMS)
	if err != nil {
		return SyncConflict{}, storageErr("put conflict", err)
	}
	row := s.db.QueryRowContext(ctx, `
SELECT id, entity, local_id, cloud_id, local_updated_ms, remote_updated_ms,
	local_snapshot, remote_snapshot, detected_at_ms
FROM sync_conflicts WHERE entity = ? AND local_id = ?`, string(c.Entity), c.LocalID)
	return scanConflict(row)
}

func (s *SQLiteStore) GetConflict(ctx context.Context, id string) (SyncConflict, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, entity, local_id, cloud_id, local_updated_ms, remote_updated_ms,
	local_snapshot, remote_snapshot, detected_at_ms
FROM sync_conflicts WHERE id = ?`, id)
	return scanConflict(row)
}

// ListConflicts returns open conflicts, oldest detection first.
func (s *SQLiteStore) ListConflicts(ctx context.Context) ([]SyncConflict, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, entity, local_id, cloud_id, local_updated_ms, remote_updated_ms,
	local_snapshot, remote_snapshot, detected_at_ms
FROM sync_conflicts
ORDER BY detected_at_ms ASC, id ASC`)
	if err != nil {
		return nil, storageErr("list conflicts", err)
	}
	defer rows.Close()

	out := []SyncConflict{}
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate conflicts", err)
	}
	return out, nil
}

func (s *SQLiteStore) DeleteConflict(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sync_conflicts WHERE id = ?`, id)
	if err != nil {
		return storageErr("delete conflict", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) CountConflicts(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM sync_conflicts`).Scan(&n); err != nil {
		return 0, storageErr("count conflicts", err)
	}
	return n, nil
}

func scanConflict(row rowScanner) (SyncConflict, error) {
	var c SyncConflict
	var entityRaw, localSnap, remoteSnap string
	if err := row.Scan(&c.ID, &entityRaw, &c.LocalID, &c.CloudID, &c.LocalUpdatedMS,
		&c.RemoteUpdatedMS, &localSnap, &remoteSnap, &c.DetectedAtMS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SyncConflict{}, ErrNotFound
		}
		return SyncConflict{}, storageErr("scan conflict", err)
	}
	c.Entity = EntityKind(entityRaw)
	c.LocalSnapshot = json.RawMessage(localSnap)
	c.RemoteSnapshot = json.RawMessage(remoteSnap)
	return c, nil
}

// ---- sync cursors ----

// GetSyncCursor returns the persisted resume token for one entity, or
// empty when no cycle has completed a page yet.
func (s *SQLiteStore) GetSyncCursor(ctx context.Context, entity EntityKind) (string, error) {
	var cursor string
	err := s.db.QueryRowContext(ctx, `
SELECT cursor FROM sync_state WHERE entity = ?`, string(entity)).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", storageErr("get sync cursor", err)
	}
	return cursor, nil
}

// SetSyncCursor persists the resume token after a page applies, so the
// next cycle pulls only changes the store has not seen.
func (s *SQLiteStore) SetSyncCursor(ctx context.Context, entity EntityKind, cursor string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sync_state(entity, cursor, updated_at_ms)
VALUES(?, ?, ?)
ON CONFLICT(entity) DO UPDATE SET cursor = excluded.cursor, updated_at_ms = excluded.updated_at_ms`,
		string(entity), cursor, nowMS())
	if err != nil {
		return storageErr("set sync cursor", err)
	}
	return nil
}

// ---- remote application (pull side) ----

// ApplyRemoteMemories upserts a pulled batch atomically. Remote-sourced
// writes never append to the sync log, otherwise every pull would
// immediately queue a push of the same data.
func (s *SQLiteStore) ApplyRemoteMemories(ctx context.Context, memories []Memory, atMS int64) error {
	if len(memories) == 0 {
		return nil
	}
	if atMS == 0 {
		atMS = nowMS()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("apply remote memories begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, m := range memories {
		localID := m.ID
		var existing string
		err := tx.QueryRowContext(ctx, `SELECT id FROM memories WHERE cloud_id = ?`, m.CloudID).Scan(&existing)
		switch {
		case err == nil:
			localID = existing
		case errors.Is(err, sql.ErrNoRows):
			if localID == "" {
				localID = uuid.NewString()
			}
		default:
			return storageErr("apply remote memories lookup", err)
		}

		if m.CreatedAtMS == 0 {
			m.CreatedAtMS = atMS
		}
		if m.UpdatedAtMS == 0 {
			m.UpdatedAtMS = atMS
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO memories(id, content, memory_type, topics_json, embedding_json, importance, created_at_ms, updated_at_ms, synced_at_ms, cloud_id, pending_sync)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
ON CONFLICT(id) DO UPDATE SET
	content = excluded.content,
	memory_type = excluded.memory_type,
	topics_json = excluded.topics_json,
	importance = excluded.importance,
	updated_at_ms = excluded.updated_at_ms,
	synced_at_ms = excluded.synced_at_ms,
	cloud_id = excluded.cloud_id,
	pending_sync = 0`,
			localID, m.Content, m.MemoryType, encodeStrings(m.Topics), encodeVector(m.Embedding),
			m.Importance, m.CreatedAtMS, m.UpdatedAtMS, atMS, m.CloudID); err != nil {
			return storageErr("apply remote memories upsert", err)
		}
		if err := replaceTopicsTx(ctx, tx, localID, m.Topics); err != nil {
			return storageErr("apply remote memories topics", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr("apply remote memories commit", err)
	}
	return nil
}

// ApplyRemoteSessions upserts a pulled session batch atomically.
func (s *SQLiteStore) ApplyRemoteSessions(ctx context.Context, sessions []Session, atMS int64) error {
	if len(sessions) == 0 {
		return nil
	}
	if atMS == 0 {
		atMS = nowMS()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("apply remote sessions begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, sess := range sessions {
		localID := sess.ID
		var existing string
		err := tx.QueryRowContext(ctx, `SELECT id FROM sessions WHERE cloud_id = ?`, sess.CloudID).Scan(&existing)
		switch {
		case err == nil:
			localID = existing
		case errors.Is(err, sql.ErrNoRows):
			if localID == "" {
				localID = uuid.NewString()
			}
		default:
			return storageErr("apply remote sessions lookup", err)
		}

		if sess.CreatedAtMS == 0 {
			sess.CreatedAtMS = atMS
		}
		if sess.UpdatedAtMS == 0 {
			sess.UpdatedAtMS = atMS
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO sessions(id, session_type, context_json, messages_json, created_at_ms, updated_at_ms, synced_at_ms, cloud_id, pending_sync)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, 0)
ON CONFLICT(id) DO UPDATE SET
	session_type = excluded.session_type,
	context_json = excluded.context_json,
	messages_json = excluded.messages_json,
	updated_at_ms = excluded.updated_at_ms,
	synced_at_ms = excluded.synced_at_ms,
	cloud_id = excluded.cloud_id,
	pending_sync = 0`,
			localID, sess.SessionType, encodeContext(sess.Context), encodeMessages(sess.Messages),
			sess.CreatedAtMS, sess.UpdatedAtMS, atMS, sess.CloudID); err != nil {
			return storageErr("apply remote sessions upsert", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr("apply remote sessions commit", err)
	}
	return nil
}

// ApplyRemoteChunks replaces cached knowledge for the pulled batch.
func (s *SQLiteStore) ApplyRemoteChunks(ctx context.Context, chunks []KnowledgeChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("apply remote chunks begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := nowMS()
	for _, c := range chunks {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		if c.CreatedAtMS == 0 {
			c.CreatedAtMS = now
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO knowledge_chunks(id, source_id, content, embedding_json, metadata_json, priority, expires_at_ms, created_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	source_id = excluded.source_id,
	content = excluded.content,
	embedding_json = excluded.embedding_json,
	metadata_json = excluded.metadata_json,
	priority = excluded.priority,
	expires_at_ms = excluded.expires_at_ms`,
			c.ID, c.SourceID, c.Content, encodeVector(c.Embedding), encodeMap(c.Metadata),
			c.Priority, c.ExpiresAtMS, c.CreatedAtMS); err != nil {
			return storageErr("apply remote chunks upsert", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr("apply remote chunks commit", err)
	}
	return nil
}
