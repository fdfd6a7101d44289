package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/cirkelline/localagent/pkg/config"
	"github.com/cirkelline/localagent/pkg/logger"
	"github.com/cirkelline/localagent/pkg/syncer"
)

// SyncTrigger is the slice of the sync engine the scheduler drives.
type SyncTrigger interface {
	Sync(ctx context.Context) (syncer.SyncStatus, error)
}

// Janitor is the slice of the store the maintenance pass uses to keep
// local storage inside its budget.
type Janitor interface {
	SweepExpiredKnowledge(ctx context.Context, nowMS int64) (int, error)
	EvictMemories(ctx context.Context, maxCount int) (int, error)
}

// Scheduler fires background sync cycles on the configured interval,
// gated by optional cron window expressions. With no windows set,
// every tick is eligible.
type Scheduler struct {
	cfg     *config.Config
	trigger SyncTrigger
	gron    *gronx.Gronx

	// gate, when set, can veto a cycle (cloud unreachable, for one).
	gate func() bool

	// janitor, when set, runs local housekeeping on every tick, even
	// when the sync window is closed or the gate vetoes the cycle.
	janitor Janitor

	// now is swapped in tests to pin the clock.
	now func() time.Time

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func New(cfg *config.Config, trigger SyncTrigger) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		trigger: trigger,
		gron:    gronx.New(),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
}

// SetGate installs a pre-cycle check. Call before Start.
func (s *Scheduler) SetGate(gate func() bool) {
	s.gate = gate
}

// SetJanitor installs the storage maintenance hook. Call before Start.
func (s *Scheduler) SetJanitor(j Janitor) {
	s.janitor = j
}

func (s *Scheduler) Start() {
	for _, expr := range s.cfg.SyncWindows() {
		if !s.gron.IsValid(expr) {
			logger.WarnCF("scheduler", "ignoring invalid sync window", map[string]interface{}{"expr": expr})
		}
	}
	s.wg.Add(1)
	go s.loop()
}

func (s *Scheduler) Stop() {
	s.closeOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	if s.cfg.SyncOnStart() {
		s.tick(context.Background())
	}

	ticker := time.NewTicker(s.cfg.SyncInterval())
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(context.Background())
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	s.maintain(ctx)
	if s.cfg.OfflineMode() {
		logger.DebugC("scheduler", "offline mode, skipping cycle")
		return
	}
	if !s.WindowOpen(s.now()) {
		logger.DebugC("scheduler", "outside sync window, skipping cycle")
		return
	}
	if s.gate != nil && !s.gate() {
		logger.DebugC("scheduler", "sync gate closed, skipping cycle")
		return
	}
	status, err := s.trigger.Sync(ctx)
	if err != nil {
		logger.WarnCF("scheduler", "background sync failed", map[string]interface{}{"error": err.Error()})
		return
	}
	logger.InfoCF("scheduler", "background sync cycle finished", map[string]interface{}{
		"pending_uploads": status.PendingUploads,
		"conflicts":       status.Conflicts,
	})
}

// maintain drops expired knowledge chunks and trims the memory
// collection to the configured cap. Eviction only touches synced
// records, so it never loses unpushed edits.
func (s *Scheduler) maintain(ctx context.Context) {
	if s.janitor == nil {
		return
	}
	if n, err := s.janitor.SweepExpiredKnowledge(ctx, s.now().UnixMilli()); err != nil {
		logger.WarnCF("scheduler", "knowledge sweep failed", map[string]interface{}{"error": err.Error()})
	} else if n > 0 {
		logger.InfoCF("scheduler", "swept expired knowledge chunks", map[string]interface{}{"count": n})
	}
	max := s.cfg.ResourceLimits().MaxLocalMemories
	if max <= 0 {
		return
	}
	if n, err := s.janitor.EvictMemories(ctx, max); err != nil {
		logger.WarnCF("scheduler", "memory eviction failed", map[string]interface{}{"error": err.Error()})
	} else if n > 0 {
		logger.InfoCF("scheduler", "evicted low-importance memories", map[string]interface{}{"count": n, "cap": max})
	}
}

// WindowOpen reports whether at is inside any configured sync window.
// Windows are cron expressions matched at minute granularity, so a
// window like "*/15 9-17 * * 1-5" opens on matching minutes only.
func (s *Scheduler) WindowOpen(at time.Time) bool {
	windows := s.cfg.SyncWindows()
	if len(windows) == 0 {
		return true
	}
	// gronx treats bare five-field expressions as due only at second
	// zero, so the check runs on the containing minute.
	at = at.Truncate(time.Minute)
	for _, expr := range windows {
		due, err := s.gron.IsDue(expr, at)
		if err != nil {
			continue
		}
		if due {
			return true
		}
	}
	return false
}

// NextWindow returns the earliest upcoming time any window opens after
// from. With no windows configured it returns from itself.
func (s *Scheduler) NextWindow(from time.Time) (time.Time, error) {
	windows := s.cfg.SyncWindows()
	if len(windows) == 0 {
		return from, nil
	}
	var best time.Time
	var lastErr error
	for _, expr := range windows {
		next, err := gronx.NextTickAfter(expr, from, false)
		if err != nil {
			lastErr = err
			continue
		}
		if best.IsZero() || next.Before(best) {
			best = next
		}
	}
	if best.IsZero() {
		return time.Time{}, lastErr
	}
	return best, nil
}
