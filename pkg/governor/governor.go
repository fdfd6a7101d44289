package governor

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/cirkelline/localagent/pkg/config"
	"github.com/cirkelline/localagent/pkg/logger"
	"github.com/cirkelline/localagent/pkg/store"
)

// Metrics is one point-in-time sample of host state.
type Metrics struct {
	CPUPercent     float64
	RAMPercent     float64
	GPUPercent     float64
	DiskUsedMB     int64
	OnBattery      bool
	BatteryPercent float64
	IdleSeconds    int
}

// MetricsSource samples host state. Sample is called before every
// admission decision; implementations should be cheap.
type MetricsSource interface {
	Sample(ctx context.Context) (Metrics, error)
}

// Cost estimates what one unit of work will add on top of current load.
type Cost struct {
	CPUPercent float64
	RAMPercent float64
	GPUPercent float64
	DiskMB     int64
}

// CostForTask returns the budgeted footprint per task type. Estimates
// are intentionally pessimistic; a denied task is retried on the next
// poll anyway.
func CostForTask(t store.TaskType) Cost {
	switch t {
	case store.TaskTranscribeAudio:
		return Cost{CPUPercent: 25, RAMPercent: 10, GPUPercent: 20, DiskMB: 50}
	case store.TaskGenerateEmbedding:
		return Cost{CPUPercent: 10, RAMPercent: 5, GPUPercent: 10, DiskMB: 1}
	case store.TaskExtractText:
		return Cost{CPUPercent: 15, RAMPercent: 8, DiskMB: 10}
	case store.TaskPreloadKnowledge:
		return Cost{CPUPercent: 5, RAMPercent: 3, DiskMB: 100}
	case store.TaskSyncMemory:
		return Cost{CPUPercent: 5, RAMPercent: 3, DiskMB: 5}
	default:
		return Cost{CPUPercent: 10, RAMPercent: 5, DiskMB: 10}
	}
}

// Decision says whether work may start right now, and if not, why.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision { return Decision{Allowed: true} }

func deny(format string, args ...interface{}) Decision {
	return Decision{Allowed: false, Reason: fmt.Sprintf(format, args...)}
}

// Governor admits or defers background work based on current settings
// and a fresh host sample. Settings changes apply to the next check;
// work already running is never interrupted.
type Governor struct {
	cfg    *config.Config
	source MetricsSource

	mu       sync.Mutex
	limiter  *rate.Limiter
	lastRate int
}

func New(cfg *config.Config, source MetricsSource) *Governor {
	return &Governor{cfg: cfg, source: source}
}

// Check re-samples the host and evaluates the admission predicate
// against the settings as they are right now.
func (g *Governor) Check(ctx context.Context, cost Cost) (Decision, error) {
	limits := g.cfg.ResourceLimits()
	if limits.Paused {
		return deny("background work is paused"), nil
	}

	m, err := g.source.Sample(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("sample host metrics: %w", err)
	}

	if m.OnBattery {
		if !limits.RunOnBattery {
			return deny("on battery and run_on_battery is off"), nil
		}
		if m.BatteryPercent < limits.MinBatteryPercent {
			return deny("battery at %.0f%%, below minimum %.0f%%", m.BatteryPercent, limits.MinBatteryPercent), nil
		}
	}
	if limits.IdleOnly && m.IdleSeconds < limits.IdleThresholdSecs {
		return deny("user active, idle for %ds of required %ds", m.IdleSeconds, limits.IdleThresholdSecs), nil
	}
	if m.CPUPercent+cost.CPUPercent > limits.MaxCPUPercent {
		return deny("cpu at %.1f%% + %.1f%% would exceed %.1f%%", m.CPUPercent, cost.CPUPercent, limits.MaxCPUPercent), nil
	}
	if m.RAMPercent+cost.RAMPercent > limits.MaxRAMPercent {
		return deny("ram at %.1f%% + %.1f%% would exceed %.1f%%", m.RAMPercent, cost.RAMPercent, limits.MaxRAMPercent), nil
	}
	if limits.MaxGPUPercent > 0 && m.GPUPercent+cost.GPUPercent > limits.MaxGPUPercent {
		return deny("gpu at %.1f%% + %.1f%% would exceed %.1f%%", m.GPUPercent, cost.GPUPercent, limits.MaxGPUPercent), nil
	}
	if limits.MaxDiskMB > 0 && m.DiskUsedMB+cost.DiskMB > limits.MaxDiskMB {
		return deny("disk at %dMB + %dMB would exceed %dMB", m.DiskUsedMB, cost.DiskMB, limits.MaxDiskMB), nil
	}
	return allow(), nil
}

// DownloadLimiter returns the shared throttle for pulled bytes. The
// limiter is rebuilt when the configured rate changes.
func (g *Governor) DownloadLimiter() *rate.Limiter {
	limits := g.cfg.ResourceLimits()
	kbps := limits.DownloadKBPerSec

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.limiter == nil || kbps != g.lastRate {
		if kbps <= 0 {
			g.limiter = rate.NewLimiter(rate.Inf, 0)
		} else {
			bytesPerSec := kbps * 1024
			g.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), bytesPerSec)
		}
		g.lastRate = kbps
		logger.DebugCF("governor", "Download limiter rebuilt", map[string]interface{}{"kb_per_sec": kbps})
	}
	return g.limiter
}

// WaitDownload blocks until n pulled bytes fit within the throttle.
func (g *Governor) WaitDownload(ctx context.Context, n int) error {
	lim := g.DownloadLimiter()
	if lim.Limit() == rate.Inf {
		return nil
	}
	burst := lim.Burst()
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		if err := lim.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}
