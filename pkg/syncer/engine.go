package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/cirkelline/localagent/pkg/bus"
	"github.com/cirkelline/localagent/pkg/governor"
	"github.com/cirkelline/localagent/pkg/logger"
	"github.com/cirkelline/localagent/pkg/store"
)

// Engine drives push/pull cycles against the cloud. One cycle runs at
// a time; a second Sync call while one is in flight returns the
// current status instead of starting another.
type Engine struct {
	store  store.Store
	client CloudClient
	gov    *governor.Governor
	events *bus.EventBus

	mu        sync.Mutex
	syncing   bool
	lastSync  *time.Time
	lastError string
	bytesUp   int64
	bytesDown int64
	remaining int
}

func NewEngine(s store.Store, client CloudClient, gov *governor.Governor, events *bus.EventBus) *Engine {
	return &Engine{
		store:  s,
		client: client,
		gov:    gov,
		events: events,
	}
}

// Status assembles the current view without starting a sync.
func (e *Engine) Status(ctx context.Context) (SyncStatus, error) {
	counts, err := e.store.CountUnsynced(ctx)
	if err != nil {
		return SyncStatus{}, fmt.Errorf("count pending uploads: %w", err)
	}
	pending := 0
	for _, n := range counts {
		pending += n
	}
	conflicts, err := e.store.CountConflicts(ctx)
	if err != nil {
		return SyncStatus{}, fmt.Errorf("count conflicts: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return SyncStatus{
		IsSyncing:        e.syncing,
		LastSync:         e.lastSync,
		PendingUploads:   pending,
		PendingDownloads: e.remaining,
		Conflicts:        conflicts,
		BytesUploaded:    e.bytesUp,
		BytesDownloaded:  e.bytesDown,
		LastError:        e.lastError,
	}, nil
}

// Sync runs one full push-then-pull cycle. Cancellation is honored
// between batches; a batch in flight always completes or fails whole.
func (e *Engine) Sync(ctx context.Context) (SyncStatus, error) {
	e.mu.Lock()
	if e.syncing {
		e.mu.Unlock()
		return e.mustStatus(ctx), nil
	}
	e.syncing = true
	e.lastError = ""
	e.mu.Unlock()

	e.publish(bus.EventSyncStarted, nil)
	logger.InfoC("syncer", "Sync cycle started")

	err := e.runCycle(ctx)

	e.mu.Lock()
	e.syncing = false
	if err != nil {
		e.lastError = err.Error()
	} else {
		now := time.Now()
		e.lastSync = &now
	}
	e.mu.Unlock()

	if err != nil {
		logger.ErrorCF("syncer", "Sync cycle failed", map[string]interface{}{"error": err.Error()})
		e.publish(bus.EventSyncFailed, map[string]string{"error": err.Error()})
		return e.mustStatus(ctx), err
	}
	logger.InfoC("syncer", "Sync cycle completed")
	e.publish(bus.EventSyncCompleted, nil)
	return e.mustStatus(ctx), nil
}

func (e *Engine) mustStatus(ctx context.Context) SyncStatus {
	st, err := e.Status(ctx)
	if err != nil {
		e.mu.Lock()
		st = SyncStatus{IsSyncing: e.syncing, LastSync: e.lastSync, LastError: e.lastError}
		e.mu.Unlock()
	}
	return st
}

func (e *Engine) runCycle(ctx context.Context) error {
	if err := e.pushMemories(ctx); err != nil {
		return fmt.Errorf("push memories: %w", err)
	}
	if err := e.pushSessions(ctx); err != nil {
		return fmt.Errorf("push sessions: %w", err)
	}
	if err := e.pullMemories(ctx); err != nil {
		return fmt.Errorf("pull memories: %w", err)
	}
	if err := e.pullSessions(ctx); err != nil {
		return fmt.Errorf("pull sessions: %w", err)
	}
	return nil
}

func (e *Engine) pushMemories(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		entries, err := e.store.UnsyncedLogEntries(ctx, store.EntityMemory, MaxMemoriesPerBatch)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}

		records := make([]store.Memory, 0, len(entries))
		for _, entry := range entries {
			if entry.Op == store.OpDelete {
				continue
			}
			m, err := e.store.GetMemory(ctx, entry.EntityID)
			if err != nil {
				// Deleted after the entry was written; the later
				// delete entry in this same batch carries the intent.
				continue
			}
			records = append(records, m)
		}
		e.countUpload(entries, records)

		var resp PushResponse
		err = withRetry(ctx, func() error {
			var perr error
			resp, perr = e.client.PushMemories(ctx, entries, records)
			return perr
		})
		if err != nil {
			return err
		}
		if err := e.store.CompletePush(ctx, store.EntityMemory, resp.IDMappings, resp.AcceptedIDs, 0); err != nil {
			return err
		}
		if len(resp.AcceptedIDs) == 0 {
			// Server accepted nothing; stop instead of spinning on the
			// same batch.
			return nil
		}
	}
}

func (e *Engine) pushSessions(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		entries, err := e.store.UnsyncedLogEntries(ctx, store.EntitySession, MaxSessionsPerBatch)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}

		records := make([]store.Session, 0, len(entries))
		for _, entry := range entries {
			if entry.Op == store.OpDelete {
				continue
			}
			sess, err := e.store.GetSession(ctx, entry.EntityID)
			if err != nil {
				continue
			}
			records = append(records, sess)
		}
		e.countUpload(entries, records)

		var resp PushResponse
		err = withRetry(ctx, func() error {
			var perr error
			resp, perr = e.client.PushSessions(ctx, entries, records)
			return perr
		})
		if err != nil {
			return err
		}
		if err := e.store.CompletePush(ctx, store.EntitySession, resp.IDMappings, resp.AcceptedIDs, 0); err != nil {
			return err
		}
		if len(resp.AcceptedIDs) == 0 {
			return nil
		}
	}
}

func (e *Engine) pullMemories(ctx context.Context) error {
	// Cycles resume from the persisted cursor, so a pull only covers
	// changes the store has not applied yet.
	cursor, err := e.store.GetSyncCursor(ctx, store.EntityMemory)
	if err != nil {
		return err
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var page PullPage
		err := withRetry(ctx, func() error {
			var perr error
			page, perr = e.client.PullMemories(ctx, cursor, MaxMemoriesPerBatch)
			return perr
		})
		if err != nil {
			return err
		}
		e.setRemaining(page.Remaining)
		if len(page.Memories) == 0 {
			return e.advanceCursor(ctx, store.EntityMemory, cursor, page.NextCursor)
		}
		if err := e.throttle(ctx, page.Memories); err != nil {
			return err
		}

		// A pulled record colliding with unpushed local edits is held
		// back: the local copy stays untouched until the conflict is
		// resolved, only the clean remainder of the page is applied.
		clean := make([]store.Memory, 0, len(page.Memories))
		for _, remote := range page.Memories {
			local, err := e.store.GetMemoryByCloudID(ctx, remote.CloudID)
			if err == nil && local.PendingSync {
				if err := e.recordConflict(ctx, store.EntityMemory, local.ID, remote.CloudID, local.UpdatedAtMS, remote.UpdatedAtMS, local, remote); err != nil {
					return err
				}
				continue
			}
			clean = append(clean, remote)
		}
		if err := e.store.ApplyRemoteMemories(ctx, clean, 0); err != nil {
			return err
		}
		e.countDownload(page.Memories)

		if page.NextCursor == "" || page.NextCursor == cursor {
			return nil
		}
		if err := e.store.SetSyncCursor(ctx, store.EntityMemory, page.NextCursor); err != nil {
			return err
		}
		cursor = page.NextCursor
	}
}

// advanceCursor persists the resume token the server handed back with
// a final page, when it moved.
func (e *Engine) advanceCursor(ctx context.Context, entity store.EntityKind, prev, next string) error {
	if next == "" || next == prev {
		return nil
	}
	return e.store.SetSyncCursor(ctx, entity, next)
}

func (e *Engine) pullSessions(ctx context.Context) error {
	cursor, err := e.store.GetSyncCursor(ctx, store.EntitySession)
	if err != nil {
		return err
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var page PullPage
		err := withRetry(ctx, func() error {
			var perr error
			page, perr = e.client.PullSessions(ctx, cursor, MaxSessionsPerBatch)
			return perr
		})
		if err != nil {
			return err
		}
		e.setRemaining(page.Remaining)
		if len(page.Sessions) == 0 {
			return e.advanceCursor(ctx, store.EntitySession, cursor, page.NextCursor)
		}
		if err := e.throttle(ctx, page.Sessions); err != nil {
			return err
		}

		clean := make([]store.Session, 0, len(page.Sessions))
		for _, remote := range page.Sessions {
			local, err := e.store.GetSessionByCloudID(ctx, remote.CloudID)
			if err == nil && local.PendingSync {
				if err := e.recordConflict(ctx, store.EntitySession, local.ID, remote.CloudID, local.UpdatedAtMS, remote.UpdatedAtMS, local, remote); err != nil {
					return err
				}
				continue
			}
			clean = append(clean, remote)
		}
		if err := e.store.ApplyRemoteSessions(ctx, clean, 0); err != nil {
			return err
		}
		e.countDownload(page.Sessions)

		if page.NextCursor == "" || page.NextCursor == cursor {
			return nil
		}
		if err := e.store.SetSyncCursor(ctx, store.EntitySession, page.NextCursor); err != nil {
			return err
		}
		cursor = page.NextCursor
	}
}

// PreloadKnowledge pulls all chunks for one source into the local
// cache. Runs as a background task, so the download throttle applies.
func (e *Engine) PreloadKnowledge(ctx context.Context, sourceID string) (int, error) {
	if sourceID == "" {
		return 0, &store.ValidationError{Field: "source_id", Reason: "empty"}
	}
	total := 0
	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		var page PullPage
		err := withRetry(ctx, func() error {
			var perr error
			page, perr = e.client.PullKnowledge(ctx, sourceID, cursor, MaxEmbeddingsPerBatch)
			return perr
		})
		if err != nil {
			return total, err
		}
		if len(page.Chunks) == 0 {
			return total, nil
		}
		if err := e.throttle(ctx, page.Chunks); err != nil {
			return total, err
		}
		if err := e.store.ApplyRemoteChunks(ctx, page.Chunks); err != nil {
			return total, err
		}
		e.countDownload(page.Chunks)
		total += len(page.Chunks)

		if page.NextCursor == "" {
			return total, nil
		}
		cursor = page.NextCursor
	}
}

// Models lists the downloadable model catalog.
func (e *Engine) Models(ctx context.Context) ([]ModelInfo, error) {
	var models []ModelInfo
	err := withRetry(ctx, func() error {
		var merr error
		models, merr = e.client.ListModels(ctx)
		return merr
	})
	return models, err
}

// Conflicts returns open conflicts, oldest detection first. Conflicts
// are durable, so a conflict detected by one process is visible to
// every later one over the same store.
func (e *Engine) Conflicts(ctx context.Context) ([]store.SyncConflict, error) {
	return e.store.ListConflicts(ctx)
}

// Resolve settles one recorded conflict. keep_remote applies the
// held-back remote snapshot over the local record, keep_local keeps
// the local version and marks it for re-push, merge combines both and
// pushes the result. manual is not an action; it leaves the conflict
// open.
func (e *Engine) Resolve(ctx context.Context, conflictID string, resolution ConflictResolution) error {
	c, err := e.store.GetConflict(ctx, conflictID)
	if err != nil {
		return err
	}

	switch resolution {
	case Manual:
		return &store.ValidationError{Field: "resolution", Reason: "manual leaves the conflict open; choose keep_local, keep_remote or merge"}
	case KeepRemote:
		if err := e.applySnapshot(ctx, c); err != nil {
			return err
		}
	case KeepLocal:
		if err := e.repushLocal(ctx, c); err != nil {
			return err
		}
	case Merge:
		if err := e.merge(ctx, c); err != nil {
			return err
		}
	default:
		return &store.ValidationError{Field: "resolution", Reason: fmt.Sprintf("unknown resolution %q", resolution)}
	}

	return e.store.DeleteConflict(ctx, conflictID)
}

func (e *Engine) applySnapshot(ctx context.Context, c store.SyncConflict) error {
	switch c.Entity {
	case store.EntityMemory:
		var m store.Memory
		if err := json.Unmarshal(c.RemoteSnapshot, &m); err != nil {
			return fmt.Errorf("decode remote memory snapshot: %w", err)
		}
		return e.store.ApplyRemoteMemories(ctx, []store.Memory{m}, 0)
	case store.EntitySession:
		var s store.Session
		if err := json.Unmarshal(c.RemoteSnapshot, &s); err != nil {
			return fmt.Errorf("decode remote session snapshot: %w", err)
		}
		return e.store.ApplyRemoteSessions(ctx, []store.Session{s}, 0)
	default:
		return &store.ValidationError{Field: "entity", Reason: fmt.Sprintf("no snapshot apply for %q", c.Entity)}
	}
}

// repushLocal re-puts the local snapshot with the cloud ID attached
// and marks it dirty, so the next cycle pushes it over the remote
// copy.
func (e *Engine) repushLocal(ctx context.Context, c store.SyncConflict) error {
	switch c.Entity {
	case store.EntityMemory:
		var m store.Memory
		if err := json.Unmarshal(c.LocalSnapshot, &m); err != nil {
			return fmt.Errorf("decode local memory snapshot: %w", err)
		}
		m.CloudID = c.CloudID
		_, err := e.store.PutMemory(ctx, m)
		return err
	case store.EntitySession:
		var s store.Session
		if err := json.Unmarshal(c.LocalSnapshot, &s); err != nil {
			return fmt.Errorf("decode local session snapshot: %w", err)
		}
		s.CloudID = c.CloudID
		_, err := e.store.PutSession(ctx, s)
		return err
	default:
		return &store.ValidationError{Field: "entity", Reason: fmt.Sprintf("no local re-push for %q", c.Entity)}
	}
}

// merge combines local and remote memories: topic union, highest
// importance, and the content of whichever side was edited last. The
// merged record is pushed on the next cycle. Sessions have no field
// merge; resolve those with keep_local or keep_remote.
func (e *Engine) merge(ctx context.Context, c store.SyncConflict) error {
	if c.Entity != store.EntityMemory {
		return &store.ValidationError{Field: "resolution", Reason: "merge is only defined for memories"}
	}
	var remote store.Memory
	if err := json.Unmarshal(c.RemoteSnapshot, &remote); err != nil {
		return fmt.Errorf("decode remote memory snapshot: %w", err)
	}
	var local store.Memory
	if err := json.Unmarshal(c.LocalSnapshot, &local); err != nil {
		return fmt.Errorf("decode local memory snapshot: %w", err)
	}

	merged := local
	if remote.UpdatedAtMS > local.UpdatedAtMS {
		merged.Content = remote.Content
	}
	if remote.Importance > merged.Importance {
		merged.Importance = remote.Importance
	}
	seen := make(map[string]struct{}, len(local.Topics))
	for _, topic := range local.Topics {
		seen[topic] = struct{}{}
	}
	for _, topic := range remote.Topics {
		if _, ok := seen[topic]; !ok {
			merged.Topics = append(merged.Topics, topic)
		}
	}
	merged.CloudID = remote.CloudID

	_, err := e.store.PutMemory(ctx, merged)
	return err
}

func (e *Engine) recordConflict(ctx context.Context, entity store.EntityKind, localID, cloudID string, localMS, remoteMS int64, local, remote interface{}) error {
	localSnap, err := json.Marshal(local)
	if err != nil {
		logger.ErrorCF("syncer", "Failed to snapshot local record", map[string]interface{}{"error": err.Error()})
		return nil
	}
	remoteSnap, err := json.Marshal(remote)
	if err != nil {
		logger.ErrorCF("syncer", "Failed to snapshot remote record", map[string]interface{}{"error": err.Error()})
		return nil
	}
	c := store.SyncConflict{
		ID:              ulid.Make().String(),
		Entity:          entity,
		LocalID:         localID,
		CloudID:         cloudID,
		LocalUpdatedMS:  localMS,
		RemoteUpdatedMS: remoteMS,
		LocalSnapshot:   localSnap,
		RemoteSnapshot:  remoteSnap,
		DetectedAtMS:    time.Now().UnixMilli(),
	}
	stored, err := e.store.PutConflict(ctx, c)
	if err != nil {
		return fmt.Errorf("record conflict: %w", err)
	}
	if stored.ID != c.ID {
		// Same record still in conflict on a later pull; the store
		// refreshed the remote side instead of piling up a duplicate.
		return nil
	}

	logger.WarnCF("syncer", "Conflict detected", map[string]interface{}{
		"entity":   string(entity),
		"local_id": localID,
		"cloud_id": cloudID,
	})
	e.publish(bus.EventConflictDetected, map[string]string{
		"conflict_id": stored.ID,
		"entity":      string(entity),
		"cloud_id":    cloudID,
	})
	return nil
}

func (e *Engine) throttle(ctx context.Context, payload interface{}) error {
	if e.gov == nil {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return e.gov.WaitDownload(ctx, len(raw))
}

func (e *Engine) countUpload(entries, records interface{}) {
	n := jsonLen(entries) + jsonLen(records)
	e.mu.Lock()
	e.bytesUp += n
	e.mu.Unlock()
}

func (e *Engine) countDownload(records interface{}) {
	n := jsonLen(records)
	e.mu.Lock()
	e.bytesDown += n
	e.mu.Unlock()
}

func (e *Engine) setRemaining(n int) {
	e.mu.Lock()
	e.remaining = n
	e.mu.Unlock()
}

func jsonLen(v interface{}) int64 {
	raw, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return int64(len(raw))
}

func (e *Engine) publish(kind bus.EventKind, fields map[string]string) {
	if e.events == nil {
		return
	}
	e.events.Publish(bus.Event{Kind: kind, Fields: fields})
}
