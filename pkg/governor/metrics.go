package governor

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ActivityTracker derives idle time from activity marks. Front ends
// call MarkActivity whenever the user interacts; everything else reads
// IdleSeconds.
type ActivityTracker struct {
	mu   sync.Mutex
	last time.Time
}

func NewActivityTracker() *ActivityTracker {
	return &ActivityTracker{last: time.Now()}
}

func (a *ActivityTracker) MarkActivity() {
	a.mu.Lock()
	a.last = time.Now()
	a.mu.Unlock()
}

func (a *ActivityTracker) IdleSeconds() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(time.Since(a.last).Seconds())
}

// ProcFSSource samples CPU, memory and battery from /proc and /sys.
// Idle time comes from the attached ActivityTracker. GPU load is not
// read; hosts without a readable GPU counter report zero.
type ProcFSSource struct {
	Activity *ActivityTracker
	DataDir  string

	mu       sync.Mutex
	lastIdle uint64
	lastBusy uint64
}

func NewProcFSSource(activity *ActivityTracker, dataDir string) *ProcFSSource {
	return &ProcFSSource{Activity: activity, DataDir: dataDir}
}

func (p *ProcFSSource) Sample(ctx context.Context) (Metrics, error) {
	var m Metrics

	cpu, err := p.cpuPercent()
	if err != nil {
		return Metrics{}, fmt.Errorf("read cpu usage: %w", err)
	}
	m.CPUPercent = cpu

	ram, err := ramPercent()
	if err != nil {
		return Metrics{}, fmt.Errorf("read memory usage: %w", err)
	}
	m.RAMPercent = ram

	m.OnBattery, m.BatteryPercent = batteryState()
	if p.Activity != nil {
		m.IdleSeconds = p.Activity.IdleSeconds()
	}
	if p.DataDir != "" {
		m.DiskUsedMB = dirSizeMB(p.DataDir)
	}
	return m, nil
}

// cpuPercent computes utilization between consecutive samples of
// /proc/stat. The first call has no baseline and reports zero.
func (p *ProcFSSource) cpuPercent() (float64, error) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, fmt.Errorf("empty /proc/stat")
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0, fmt.Errorf("unexpected /proc/stat line %q", scanner.Text())
	}

	var total, idle uint64
	for i, raw := range fields[1:] {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return 0, err
		}
		total += v
		// fields: user nice system idle iowait ...
		if i == 3 || i == 4 {
			idle += v
		}
	}
	busy := total - idle

	p.mu.Lock()
	defer p.mu.Unlock()
	dBusy := busy - p.lastBusy
	dTotal := (busy + idle) - (p.lastBusy + p.lastIdle)
	first := p.lastBusy == 0 && p.lastIdle == 0
	p.lastBusy = busy
	p.lastIdle = idle
	if first || dTotal == 0 {
		return 0, nil
	}
	return 100 * float64(dBusy) / float64(dTotal), nil
}

func ramPercent() (float64, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var totalKB, availKB uint64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			totalKB = v
		case "MemAvailable:":
			availKB = v
		}
	}
	if totalKB == 0 {
		return 0, fmt.Errorf("MemTotal missing from /proc/meminfo")
	}
	return 100 * float64(totalKB-availKB) / float64(totalKB), nil
}

func batteryState() (onBattery bool, percent float64) {
	entries, err := os.ReadDir("/sys/class/power_supply")
	if err != nil {
		return false, 100
	}
	percent = 100
	for _, e := range entries {
		base := filepath.Join("/sys/class/power_supply", e.Name())
		typ, err := os.ReadFile(filepath.Join(base, "type"))
		if err != nil {
			continue
		}
		switch strings.TrimSpace(string(typ)) {
		case "Mains":
			if raw, err := os.ReadFile(filepath.Join(base, "online")); err == nil {
				onBattery = strings.TrimSpace(string(raw)) == "0"
			}
		case "Battery":
			if raw, err := os.ReadFile(filepath.Join(base, "capacity")); err == nil {
				if v, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64); err == nil {
					percent = v
				}
			}
		}
	}
	return onBattery, percent
}

func dirSizeMB(dir string) int64 {
	var bytes int64
	_ = filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			bytes += info.Size()
		}
		return nil
	})
	return bytes / (1024 * 1024)
}

// StaticSource returns a fixed sample. Used in tests and on platforms
// without procfs.
type StaticSource struct {
	Metrics Metrics
	Err     error
}

func (s *StaticSource) Sample(ctx context.Context) (Metrics, error) {
	return s.Metrics, s.Err
}
