package store

import "encoding/json"

// EntityKind identifies a syncable collection in the sync log.
type EntityKind string

const (
	EntityMemory    EntityKind = "memory"
	EntitySession   EntityKind = "session"
	EntityKnowledge EntityKind = "knowledge"
)

// SyncOp is the operation recorded in the sync log.
type SyncOp string

const (
	OpCreate SyncOp = "create"
	OpUpdate SyncOp = "update"
	OpDelete SyncOp = "delete"
)

// Memory is a locally persisted long-term memory record.
type Memory struct {
	ID          string
	Content     string
	MemoryType  string
	Topics      []string
	Embedding   []float32
	Importance  float64
	CreatedAtMS int64
	UpdatedAtMS int64
	SyncedAtMS  int64
	CloudID     string
	PendingSync bool
}

// Message is one entry in a session transcript.
type Message struct {
	Role        string `json:"role"`
	Content     string `json:"content"`
	TimestampMS int64  `json:"timestamp_ms"`
}

// Session is a locally persisted conversation with ordered messages.
type Session struct {
	ID          string
	SessionType string
	Context     json.RawMessage
	Messages    []Message
	CreatedAtMS int64
	UpdatedAtMS int64
	SyncedAtMS  int64
	CloudID     string
	PendingSync bool
}

// KnowledgeChunk is an ephemeral cached slice of remote knowledge.
// Chunks are never authoritative; expired chunks are swept and
// re-fetched on demand.
type KnowledgeChunk struct {
	ID          string
	SourceID    string
	Content     string
	Embedding   []float32
	Metadata    map[string]string
	Priority    int
	ExpiresAtMS int64
	CreatedAtMS int64
}

// TaskType classifies deferred background work.
type TaskType string

const (
	TaskGenerateEmbedding TaskType = "generate_embedding"
	TaskTranscribeAudio   TaskType = "transcribe_audio"
	TaskExtractText       TaskType = "extract_text"
	TaskSyncMemory        TaskType = "sync_memory"
	TaskPreloadKnowledge  TaskType = "preload_knowledge"
)

// TaskState is the lifecycle position of a pending task.
type TaskState string

const (
	TaskQueued    TaskState = "queued"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskCancelled TaskState = "cancelled"
)

// TaskStatus carries the state plus an error message that is only
// meaningful when State == TaskFailed.
type TaskStatus struct {
	State TaskState
	Error string
}

// StatusQueued returns the initial task status.
func StatusQueued() TaskStatus { return TaskStatus{State: TaskQueued} }

// StatusFailed returns a failed status with the terminal error.
func StatusFailed(errMsg string) TaskStatus {
	return TaskStatus{State: TaskFailed, Error: errMsg}
}

// Terminal reports whether the status excludes the task from future dequeues.
func (s TaskStatus) Terminal() bool {
	switch s.State {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// PendingTask is a durable unit of deferred background work.
type PendingTask struct {
	ID          string
	Type        TaskType
	Priority    int
	Payload     map[string]string
	RetryCount  int
	MaxRetries  int
	Status      TaskStatus
	CreatedAtMS int64
	UpdatedAtMS int64
}

// EmbeddingCacheEntry maps content hash + model to a computed vector so
// identical content is never embedded twice. Pure cache: eviction is
// always safe.
type EmbeddingCacheEntry struct {
	ContentHash string
	Model       string
	Vector      []float32
	CreatedAtMS int64
}

// SyncConflict records a pull that collided with unpushed local edits.
// The remote version is held back rather than applied: the local
// record stays untouched until the conflict is resolved. Both sides
// are snapshotted at detection time so resolution does not depend on
// either copy surviving unchanged.
type SyncConflict struct {
	ID              string          `json:"id"`
	Entity          EntityKind      `json:"entity"`
	LocalID         string          `json:"local_id"`
	CloudID         string          `json:"cloud_id"`
	LocalUpdatedMS  int64           `json:"local_updated_ms"`
	RemoteUpdatedMS int64           `json:"remote_updated_ms"`
	LocalSnapshot   json.RawMessage `json:"local_snapshot"`
	RemoteSnapshot  json.RawMessage `json:"remote_snapshot"`
	DetectedAtMS    int64           `json:"detected_at_ms"`
}

// SyncLogEntry records that a create/update/delete happened to an
// entity. The log is the authoritative ledger of what must be pushed,
// independent of whether the record still exists.
type SyncLogEntry struct {
	ID         string
	Entity     EntityKind
	EntityID   string
	Op         SyncOp
	Synced     bool
	CreatedAtMS int64
	SyncedAtMS int64
}
