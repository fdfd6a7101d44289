package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state", "agent.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_MemoryLifecycleLogsEveryMutation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	m, err := s.PutMemory(ctx, Memory{Content: "prefers dark roast", MemoryType: "preference", Topics: []string{"coffee"}, Importance: 0.8})
	if err != nil {
		t.Fatalf("put memory: %v", err)
	}
	if m.ID == "" || !m.PendingSync {
		t.Fatalf("expected new pending memory, got %#v", m)
	}

	got, err := s.GetMemory(ctx, m.ID)
	if err != nil {
		t.Fatalf("get memory: %v", err)
	}
	if got.Content != "prefers dark roast" || got.Topics[0] != "coffee" {
		t.Fatalf("unexpected memory: %#v", got)
	}

	got.Content = "prefers dark roast, no sugar"
	if _, err := s.PutMemory(ctx, got); err != nil {
		t.Fatalf("update memory: %v", err)
	}
	if err := s.DeleteMemory(ctx, m.ID); err != nil {
		t.Fatalf("delete memory: %v", err)
	}
	if _, err := s.GetMemory(ctx, m.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}

	entries, err := s.UnsyncedLogEntries(ctx, EntityMemory, 10)
	if err != nil {
		t.Fatalf("unsynced entries: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 log entries, got %d", len(entries))
	}
	if entries[0].Op != OpCreate || entries[1].Op != OpUpdate || entries[2].Op != OpDelete {
		t.Fatalf("unexpected op order: %#v", entries)
	}
	// Delete log survives the record so the delete can still be pushed.
	if entries[2].EntityID != m.ID {
		t.Fatalf("delete entry references %q, want %q", entries[2].EntityID, m.ID)
	}
}

func TestSQLiteStore_PutMemoryRejectsEmptyContent(t *testing.T) {
	s := newTestStore(t)
	_, err := s.PutMemory(context.Background(), Memory{Content: "   "})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSQLiteStore_TopicIndex(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, m := range []Memory{
		{Content: "a", Topics: []string{"go", "testing"}, Importance: 0.9},
		{Content: "b", Topics: []string{"go"}, Importance: 0.5},
		{Content: "c", Topics: []string{"rust"}},
	} {
		if _, err := s.PutMemory(ctx, m); err != nil {
			t.Fatalf("put memory: %v", err)
		}
	}

	byGo, err := s.ListMemoriesByTopic(ctx, "go", 10)
	if err != nil {
		t.Fatalf("list by topic: %v", err)
	}
	if len(byGo) != 2 {
		t.Fatalf("expected 2 memories for topic go, got %d", len(byGo))
	}
	if byGo[0].Content != "a" {
		t.Fatalf("expected highest importance first, got %q", byGo[0].Content)
	}
}

func TestSQLiteStore_ClaimNextTaskTwoKeyOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	// Same priority inserted out of creation order, plus one higher.
	for _, task := range []PendingTask{
		{Type: TaskExtractText, Priority: 5, CreatedAtMS: 300},
		{Type: TaskGenerateEmbedding, Priority: 5, CreatedAtMS: 100},
		{Type: TaskTranscribeAudio, Priority: 9, CreatedAtMS: 200},
	} {
		if _, err := s.EnqueueTask(ctx, task); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	var got []TaskType
	for {
		task, ok, err := s.ClaimNextTask(ctx)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, task.Type)
	}
	want := []TaskType{TaskTranscribeAudio, TaskGenerateEmbedding, TaskExtractText}
	if len(got) != len(want) {
		t.Fatalf("claimed %d tasks, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("claim order %v, want %v", got, want)
		}
	}
}

func TestSQLiteStore_TaskTerminalStatesAreFinal(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	task, err := s.EnqueueTask(ctx, PendingTask{Type: TaskSyncMemory})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.UpdateTaskStatus(ctx, task.ID, TaskStatus{State: TaskCancelled}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	err = s.UpdateTaskStatus(ctx, task.ID, TaskStatus{State: TaskRunning})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected rejection of terminal transition, got %v", err)
	}
	if _, err := s.RequeueTask(ctx, task.ID); !errors.As(err, &verr) {
		t.Fatalf("expected requeue of terminal task rejected, got %v", err)
	}
}

func TestSQLiteStore_RequeueBumpsRetryCount(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	task, err := s.EnqueueTask(ctx, PendingTask{Type: TaskPreloadKnowledge, MaxRetries: 2})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, ok, err := s.ClaimNextTask(ctx); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	requeued, err := s.RequeueTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if requeued.RetryCount != 1 || requeued.Status.State != TaskQueued {
		t.Fatalf("unexpected requeued task: %#v", requeued)
	}
}

func TestSQLiteStore_RequeueRunningTasksOnRestart(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.EnqueueTask(ctx, PendingTask{Type: TaskGenerateEmbedding}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, ok, err := s.ClaimNextTask(ctx); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	n, err := s.RequeueRunningTasks(ctx)
	if err != nil {
		t.Fatalf("requeue running: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 requeued task, got %d", n)
	}
	if _, ok, err := s.ClaimNextTask(ctx); err != nil || !ok {
		t.Fatalf("task not claimable after restart requeue: ok=%v err=%v", ok, err)
	}
}

func TestSQLiteStore_SessionAppendAndPending(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	sess, err := s.PutSession(ctx, Session{SessionType: "chat"})
	if err != nil {
		t.Fatalf("put session: %v", err)
	}
	if err := s.AppendMessages(ctx, sess.ID, []Message{
		{Role: "user", Content: "hi", TimestampMS: 1},
		{Role: "assistant", Content: "hello", TimestampMS: 2},
	}); err != nil {
		t.Fatalf("append messages: %v", err)
	}

	got, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if len(got.Messages) != 2 || got.Messages[1].Content != "hello" {
		t.Fatalf("unexpected transcript: %#v", got.Messages)
	}

	pending, err := s.ListPendingSessions(ctx, 10)
	if err != nil {
		t.Fatalf("list pending sessions: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending session, got %d", len(pending))
	}
}

func TestSQLiteStore_CompletePushClearsPendingAndMapsCloudID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	m, err := s.PutMemory(ctx, Memory{Content: "remember me"})
	if err != nil {
		t.Fatalf("put memory: %v", err)
	}
	entries, err := s.UnsyncedLogEntries(ctx, EntityMemory, 10)
	if err != nil {
		t.Fatalf("unsynced entries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}

	err = s.CompletePush(ctx, EntityMemory,
		map[string]string{m.ID: "cloud-77"},
		[]string{entries[0].ID}, 12345)
	if err != nil {
		t.Fatalf("complete push: %v", err)
	}

	got, err := s.GetMemoryByCloudID(ctx, "cloud-77")
	if err != nil {
		t.Fatalf("get by cloud id: %v", err)
	}
	if got.ID != m.ID || got.PendingSync || got.SyncedAtMS != 12345 {
		t.Fatalf("unexpected synced record: %#v", got)
	}
	remaining, err := s.UnsyncedLogEntries(ctx, EntityMemory, 10)
	if err != nil {
		t.Fatalf("unsynced after push: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected empty ledger, got %d entries", len(remaining))
	}
}

func TestSQLiteStore_PartialPushKeepsRecordPending(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	m, err := s.PutMemory(ctx, Memory{Content: "v1"})
	if err != nil {
		t.Fatalf("put memory: %v", err)
	}
	m.Content = "v2"
	if _, err := s.PutMemory(ctx, m); err != nil {
		t.Fatalf("update memory: %v", err)
	}
	entries, err := s.UnsyncedLogEntries(ctx, EntityMemory, 10)
	if err != nil {
		t.Fatalf("unsynced entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}

	// Server accepted only the create; the update entry is still owed.
	if err := s.CompletePush(ctx, EntityMemory, map[string]string{m.ID: "c-1"}, []string{entries[0].ID}, 0); err != nil {
		t.Fatalf("complete push: %v", err)
	}
	got, err := s.GetMemory(ctx, m.ID)
	if err != nil {
		t.Fatalf("get memory: %v", err)
	}
	if !got.PendingSync {
		t.Fatalf("record should stay pending with unsynced entries left")
	}
}

func TestSQLiteStore_ApplyRemoteDoesNotFeedSyncLog(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	err := s.ApplyRemoteMemories(ctx, []Memory{
		{CloudID: "c-1", Content: "from server", Topics: []string{"remote"}},
	}, 500)
	if err != nil {
		t.Fatalf("apply remote: %v", err)
	}

	got, err := s.GetMemoryByCloudID(ctx, "c-1")
	if err != nil {
		t.Fatalf("get by cloud id: %v", err)
	}
	if got.PendingSync || got.SyncedAtMS != 500 {
		t.Fatalf("remote record must land synced: %#v", got)
	}

	counts, err := s.CountUnsynced(ctx)
	if err != nil {
		t.Fatalf("count unsynced: %v", err)
	}
	if counts[EntityMemory] != 0 {
		t.Fatalf("pull must not queue a push, got %d pending", counts[EntityMemory])
	}

	// Second apply with the same cloud ID updates in place.
	if err := s.ApplyRemoteMemories(ctx, []Memory{{CloudID: "c-1", Content: "newer"}}, 600); err != nil {
		t.Fatalf("apply remote again: %v", err)
	}
	again, err := s.GetMemoryByCloudID(ctx, "c-1")
	if err != nil {
		t.Fatalf("get after second apply: %v", err)
	}
	if again.ID != got.ID || again.Content != "newer" {
		t.Fatalf("expected in-place update, got %#v", again)
	}
}

func TestSQLiteStore_EvictMemoriesSkipsPending(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	low, err := s.PutMemory(ctx, Memory{Content: "low", Importance: 0.1})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	high, err := s.PutMemory(ctx, Memory{Content: "high", Importance: 0.9})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := s.PutMemory(ctx, Memory{Content: "unsynced", Importance: 0.0}); err != nil {
		t.Fatalf("put: %v", err)
	}

	// Mark the first two synced so they become eviction candidates.
	for _, m := range []Memory{low, high} {
		entries, err := s.UnsyncedLogEntries(ctx, EntityMemory, 100)
		if err != nil {
			t.Fatalf("entries: %v", err)
		}
		for _, e := range entries {
			if e.EntityID == m.ID {
				if err := s.CompletePush(ctx, EntityMemory, nil, []string{e.ID}, 0); err != nil {
					t.Fatalf("complete push: %v", err)
				}
			}
		}
	}

	n, err := s.EvictMemories(ctx, 2)
	if err != nil {
		t.Fatalf("evict: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
	if _, err := s.GetMemory(ctx, low.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("lowest importance synced memory should be gone, got %v", err)
	}
	if _, err := s.GetMemory(ctx, high.ID); err != nil {
		t.Fatalf("high importance memory evicted: %v", err)
	}
}

func TestSQLiteStore_EmbeddingCacheRoundTripAndPrune(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, ok, err := s.GetCachedEmbedding(ctx, "h1", "mini"); err != nil || ok {
		t.Fatalf("expected cache miss, ok=%v err=%v", ok, err)
	}
	if err := s.PutCachedEmbedding(ctx, EmbeddingCacheEntry{ContentHash: "h1", Model: "mini", Vector: []float32{0.1, 0.2}, CreatedAtMS: 1}); err != nil {
		t.Fatalf("put cached: %v", err)
	}
	if err := s.PutCachedEmbedding(ctx, EmbeddingCacheEntry{ContentHash: "h2", Model: "mini", Vector: []float32{0.3}, CreatedAtMS: 2}); err != nil {
		t.Fatalf("put cached: %v", err)
	}

	vec, ok, err := s.GetCachedEmbedding(ctx, "h1", "mini")
	if err != nil || !ok {
		t.Fatalf("expected hit, ok=%v err=%v", ok, err)
	}
	if len(vec) != 2 || vec[1] != 0.2 {
		t.Fatalf("unexpected vector: %v", vec)
	}
	// Same hash under a different model is a distinct entry.
	if _, ok, _ := s.GetCachedEmbedding(ctx, "h1", "large"); ok {
		t.Fatalf("model must partition the cache")
	}

	n, err := s.PruneEmbeddingCache(ctx, 1)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned, got %d", n)
	}
	if _, ok, _ := s.GetCachedEmbedding(ctx, "h1", "mini"); ok {
		t.Fatalf("oldest entry should be pruned first")
	}
}

func TestSQLiteStore_KnowledgeSweepAndSourceListing(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.PutKnowledgeChunk(ctx, KnowledgeChunk{SourceID: "doc-1", Content: "stale", ExpiresAtMS: 100}); err != nil {
		t.Fatalf("put chunk: %v", err)
	}
	if _, err := s.PutKnowledgeChunk(ctx, KnowledgeChunk{SourceID: "doc-1", Content: "fresh", Priority: 3, ExpiresAtMS: 9999}); err != nil {
		t.Fatalf("put chunk: %v", err)
	}
	if _, err := s.PutKnowledgeChunk(ctx, KnowledgeChunk{SourceID: "doc-1", Content: "pinned"}); err != nil {
		t.Fatalf("put chunk: %v", err)
	}

	n, err := s.SweepExpiredKnowledge(ctx, 500)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 swept chunk, got %d", n)
	}

	chunks, err := s.ListKnowledgeBySource(ctx, "doc-1", 10)
	if err != nil {
		t.Fatalf("list by source: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if chunks[0].Content != "fresh" {
		t.Fatalf("expected priority ordering, got %q first", chunks[0].Content)
	}
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "state", "agent.db")

	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	m, err := s.PutMemory(ctx, Memory{Content: "durable"})
	if err != nil {
		t.Fatalf("put memory: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	got, err := s2.GetMemory(ctx, m.ID)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.Content != "durable" {
		t.Fatalf("unexpected content: %q", got.Content)
	}
}

func TestSQLiteStore_ConflictLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	first, err := s.PutConflict(ctx, SyncConflict{
		Entity:          EntityMemory,
		LocalID:         "m1",
		CloudID:         "c1",
		LocalUpdatedMS:  100,
		RemoteUpdatedMS: 200,
		LocalSnapshot:   []byte(`{"Content":"mine"}`),
		RemoteSnapshot:  []byte(`{"Content":"theirs"}`),
		DetectedAtMS:    1000,
	})
	if err != nil {
		t.Fatalf("put conflict: %v", err)
	}
	if first.ID == "" {
		t.Fatal("store must assign an ID")
	}

	// A second detection of the same record refreshes the remote side
	// of the open conflict instead of recording a duplicate.
	second, err := s.PutConflict(ctx, SyncConflict{
		Entity:          EntityMemory,
		LocalID:         "m1",
		CloudID:         "c1",
		RemoteUpdatedMS: 300,
		RemoteSnapshot:  []byte(`{"Content":"theirs v2"}`),
		DetectedAtMS:    2000,
	})
	if err != nil {
		t.Fatalf("put conflict again: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("refresh must keep the original row, got %s vs %s", second.ID, first.ID)
	}
	if second.RemoteUpdatedMS != 300 || string(second.RemoteSnapshot) != `{"Content":"theirs v2"}` {
		t.Fatalf("remote side not refreshed: %#v", second)
	}
	if second.DetectedAtMS != 1000 || string(second.LocalSnapshot) != `{"Content":"mine"}` {
		t.Fatalf("local side and detection time must survive a refresh: %#v", second)
	}

	if _, err := s.PutConflict(ctx, SyncConflict{Entity: EntitySession, LocalID: "s1", DetectedAtMS: 500}); err != nil {
		t.Fatalf("put session conflict: %v", err)
	}

	all, err := s.ListConflicts(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 open conflicts, got %d", len(all))
	}
	if all[0].LocalID != "s1" || all[1].LocalID != "m1" {
		t.Fatalf("expected oldest detection first, got %s then %s", all[0].LocalID, all[1].LocalID)
	}

	n, err := s.CountConflicts(ctx)
	if err != nil || n != 2 {
		t.Fatalf("count = %d err = %v, want 2", n, err)
	}

	got, err := s.GetConflict(ctx, first.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Entity != EntityMemory || got.CloudID != "c1" {
		t.Fatalf("unexpected conflict: %#v", got)
	}

	if err := s.DeleteConflict(ctx, first.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetConflict(ctx, first.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted conflict should be gone, got %v", err)
	}
	if err := s.DeleteConflict(ctx, first.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double delete should report not found, got %v", err)
	}
}

func TestSQLiteStore_SyncCursorRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	cursor, err := s.GetSyncCursor(ctx, EntityMemory)
	if err != nil {
		t.Fatalf("get cursor: %v", err)
	}
	if cursor != "" {
		t.Fatalf("fresh store should have no cursor, got %q", cursor)
	}

	if err := s.SetSyncCursor(ctx, EntityMemory, "tok-1"); err != nil {
		t.Fatalf("set cursor: %v", err)
	}
	if err := s.SetSyncCursor(ctx, EntityMemory, "tok-2"); err != nil {
		t.Fatalf("advance cursor: %v", err)
	}
	if err := s.SetSyncCursor(ctx, EntitySession, "sess-tok"); err != nil {
		t.Fatalf("set session cursor: %v", err)
	}

	cursor, err = s.GetSyncCursor(ctx, EntityMemory)
	if err != nil {
		t.Fatalf("get cursor: %v", err)
	}
	if cursor != "tok-2" {
		t.Fatalf("latest cursor should win, got %q", cursor)
	}
	sessCursor, err := s.GetSyncCursor(ctx, EntitySession)
	if err != nil {
		t.Fatalf("get session cursor: %v", err)
	}
	if sessCursor != "sess-tok" {
		t.Fatalf("entities must not share cursors, got %q", sessCursor)
	}
}
