package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cirkelline/localagent/pkg/bus"
	"github.com/cirkelline/localagent/pkg/config"
	"github.com/cirkelline/localagent/pkg/embedding"
	"github.com/cirkelline/localagent/pkg/governor"
	"github.com/cirkelline/localagent/pkg/queue"
	"github.com/cirkelline/localagent/pkg/scheduler"
	"github.com/cirkelline/localagent/pkg/store"
	"github.com/cirkelline/localagent/pkg/syncer"
	"github.com/cirkelline/localagent/pkg/telemetry"
)

// app wires every component against one open store. CLI commands build
// it, use what they need, and Close it.
type app struct {
	cfg      *config.Config
	store    store.Store
	events   *bus.EventBus
	activity *governor.ActivityTracker
	gov      *governor.Governor
	queue    *queue.Queue
	runner   *queue.Runner
	client   *syncer.HTTPClient
	engine   *syncer.Engine
	embed    *embedding.Service
	consent  *telemetry.ConsentManager
	prober   *telemetry.Prober
	reporter *telemetry.Reporter
	sched    *scheduler.Scheduler
}

func newApp(cfg *config.Config) (*app, error) {
	workspace := cfg.WorkspacePath()
	if err := os.MkdirAll(workspace, 0755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	st, err := store.NewSQLiteStore(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	a := &app{cfg: cfg, store: st}
	a.events = bus.NewEventBus()
	a.activity = governor.NewActivityTracker()
	a.gov = governor.New(cfg, governor.NewProcFSSource(a.activity, workspace))
	a.queue = queue.New(st)
	a.runner = queue.NewRunner(st, a.gov, a.events, queue.RunnerConfig{
		Poll:          2 * time.Second,
		MaxConcurrent: cfg.ResourceLimits().MaxConcurrentTasks,
	})
	a.client = syncer.NewHTTPClient(cfg.APIBase(), cfg.APIKey(), cfg.DeviceID())
	a.engine = syncer.NewEngine(st, a.client, a.gov, a.events)
	a.embed = embedding.NewService(st, embedding.ByName(embedding.DefaultModel))

	consent, err := telemetry.NewConsentManager(filepath.Join(workspace, "telemetry", "consent.json"))
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	a.consent = consent

	a.prober = telemetry.NewProber()
	a.prober.Register("store", func(ctx context.Context) error {
		_, err := st.CountUnsynced(ctx)
		return err
	})
	a.prober.Register("queue", func(ctx context.Context) error {
		failed, err := st.TasksByState(ctx, store.TaskFailed, 50)
		if err != nil {
			return err
		}
		if len(failed) >= 50 {
			return fmt.Errorf("%d failed tasks awaiting attention", len(failed))
		}
		return nil
	})
	a.prober.Register("cloud", a.client.Health)

	sink := telemetry.NewHTTPSink(cfg.APIBase(), cfg.APIKey())
	a.reporter = telemetry.NewReporter(cfg, consent, a.prober, sink, a.events, a.counters, formatVersion())

	a.sched = scheduler.New(cfg, a.engine)
	a.sched.SetJanitor(a.store)
	a.sched.SetGate(func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.client.Health(ctx) == nil
	})

	registerHandlers(a)
	return a, nil
}

// counters feeds the telemetry report with operational totals.
func (a *app) counters() map[string]int64 {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out := map[string]int64{
		"events_dropped": int64(a.events.Dropped()),
	}
	if status, err := a.engine.Status(ctx); err == nil {
		out["sync_pending_uploads"] = int64(status.PendingUploads)
		out["sync_conflicts"] = int64(status.Conflicts)
		out["sync_bytes_up"] = status.BytesUploaded
		out["sync_bytes_down"] = status.BytesDownloaded
	}
	if failed, err := a.store.TasksByState(ctx, store.TaskFailed, 1000); err == nil {
		out["tasks_failed"] = int64(len(failed))
	}
	return out
}

func (a *app) Close() {
	a.events.Close()
	if err := a.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: closing store: %v\n", err)
	}
}
