package store

import "context"

// Store provides durable persistence for all local agent state.
type Store interface {
	Close() error

	PutMemory(ctx context.Context, m Memory) (Memory, error)
	GetMemory(ctx context.Context, id string) (Memory, error)
	GetMemoryByCloudID(ctx context.Context, cloudID string) (Memory, error)
	DeleteMemory(ctx context.Context, id string) error
	ListMemories(ctx context.Context, limit int) ([]Memory, error)
	ListMemoriesByTopic(ctx context.Context, topic string, limit int) ([]Memory, error)
	ListPendingMemories(ctx context.Context, limit int) ([]Memory, error)
	SetMemoryEmbedding(ctx context.Context, id string, vector []float32) error
	EvictMemories(ctx context.Context, maxCount int) (int, error)

	PutSession(ctx context.Context, sess Session) (Session, error)
	AppendMessages(ctx context.Context, id string, msgs []Message) error
	GetSession(ctx context.Context, id string) (Session, error)
	GetSessionByCloudID(ctx context.Context, cloudID string) (Session, error)
	DeleteSession(ctx context.Context, id string) error
	ListSessionsByType(ctx context.Context, sessionType string, limit int) ([]Session, error)
	ListPendingSessions(ctx context.Context, limit int) ([]Session, error)

	PutKnowledgeChunk(ctx context.Context, c KnowledgeChunk) (KnowledgeChunk, error)
	GetKnowledgeChunk(ctx context.Context, id string) (KnowledgeChunk, error)
	ListKnowledgeBySource(ctx context.Context, sourceID string, limit int) ([]KnowledgeChunk, error)
	SweepExpiredKnowledge(ctx context.Context, nowMS int64) (int, error)

	EnqueueTask(ctx context.Context, t PendingTask) (PendingTask, error)
	GetTask(ctx context.Context, id string) (PendingTask, error)
	ClaimNextTask(ctx context.Context) (PendingTask, bool, error)
	PeekNextTask(ctx context.Context) (PendingTask, bool, error)
	UpdateTaskStatus(ctx context.Context, id string, status TaskStatus) error
	RequeueTask(ctx context.Context, id string) (PendingTask, error)
	TasksByType(ctx context.Context, taskType TaskType, limit int) ([]PendingTask, error)
	TasksByState(ctx context.Context, state TaskState, limit int) ([]PendingTask, error)
	RequeueRunningTasks(ctx context.Context) (int, error)

	GetCachedEmbedding(ctx context.Context, contentHash, model string) ([]float32, bool, error)
	PutCachedEmbedding(ctx context.Context, e EmbeddingCacheEntry) error
	PruneEmbeddingCache(ctx context.Context, maxEntries int) (int, error)

	UnsyncedLogEntries(ctx context.Context, entity EntityKind, limit int) ([]SyncLogEntry, error)
	CountUnsynced(ctx context.Context) (map[EntityKind]int, error)
	CompletePush(ctx context.Context, entity EntityKind, mappings map[string]string, acceptedLogIDs []string, atMS int64) error

	PutConflict(ctx context.Context, c SyncConflict) (SyncConflict, error)
	GetConflict(ctx context.Context, id string) (SyncConflict, error)
	ListConflicts(ctx context.Context) ([]SyncConflict, error)
	DeleteConflict(ctx context.Context, id string) error
	CountConflicts(ctx context.Context) (int, error)

	GetSyncCursor(ctx context.Context, entity EntityKind) (string, error)
	SetSyncCursor(ctx context.Context, entity EntityKind, cursor string) error

	ApplyRemoteMemories(ctx context.Context, memories []Memory, atMS int64) error
	ApplyRemoteSessions(ctx context.Context, sessions []Session, atMS int64) error
	ApplyRemoteChunks(ctx context.Context, chunks []KnowledgeChunk) error
}
