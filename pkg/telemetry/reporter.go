package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cirkelline/localagent/pkg/bus"
	"github.com/cirkelline/localagent/pkg/config"
	"github.com/cirkelline/localagent/pkg/logger"
)

// Report is one telemetry snapshot. It carries only operational
// counters and health, never record content.
type Report struct {
	DeviceID  string            `json:"device_id"`
	SentAt    time.Time         `json:"sent_at"`
	Version   string            `json:"version"`
	Health    []ComponentHealth `json:"health"`
	Counters  map[string]int64  `json:"counters,omitempty"`
	LastError string            `json:"last_error,omitempty"`
}

// Ack is the server's response to a report. A nonzero interval is a
// server-side override the reporter adopts for subsequent cycles.
type Ack struct {
	ReportIntervalMinutes int `json:"report_interval_minutes,omitempty"`
}

// Sink delivers a report off the device.
type Sink interface {
	Send(ctx context.Context, r Report) (Ack, error)
}

// HTTPSink posts reports to the cloud telemetry endpoint.
type HTTPSink struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPSink(baseURL, apiKey string) *HTTPSink {
	return &HTTPSink{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *HTTPSink) Send(ctx context.Context, r Report) (Ack, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return Ack{}, fmt.Errorf("marshal report: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/telemetry", bytes.NewReader(body))
	if err != nil {
		return Ack{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("X-Device-ID", r.DeviceID)

	resp, err := s.client.Do(req)
	if err != nil {
		return Ack{}, fmt.Errorf("send report: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return Ack{}, fmt.Errorf("telemetry endpoint returned %d", resp.StatusCode)
	}
	var ack Ack
	// An empty or non-JSON body is a plain accept.
	_ = json.NewDecoder(resp.Body).Decode(&ack)
	return ack, nil
}

// CounterFunc supplies the operational counters included in a report.
type CounterFunc func() map[string]int64

// Reporter periodically probes health and, when the user has opted in,
// ships a report. Health transitions are published on the event bus
// regardless of consent so the local CLI can surface them.
type Reporter struct {
	cfg      *config.Config
	consent  *ConsentManager
	prober   *Prober
	sink     Sink
	events   *bus.EventBus
	counters CounterFunc
	version  string

	mu       sync.Mutex
	last     []ComponentHealth
	healthy  bool
	firstRun bool
	interval time.Duration

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewReporter(cfg *config.Config, consent *ConsentManager, prober *Prober, sink Sink, events *bus.EventBus, counters CounterFunc, version string) *Reporter {
	return &Reporter{
		cfg:      cfg,
		consent:  consent,
		prober:   prober,
		sink:     sink,
		events:   events,
		counters: counters,
		version:  version,
		healthy:  true,
		firstRun: true,
		interval: cfg.TelemetryInterval(),
		stopCh:   make(chan struct{}),
	}
}

func (r *Reporter) Start() {
	r.wg.Add(1)
	go r.loop()
}

func (r *Reporter) Stop() {
	r.closeOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// Interval returns the current report period, which may have been
// overridden by the server.
func (r *Reporter) Interval() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interval
}

func (r *Reporter) loop() {
	defer r.wg.Done()

	r.Tick(context.Background())

	timer := time.NewTimer(r.Interval())
	defer timer.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-timer.C:
			r.Tick(context.Background())
			timer.Reset(r.Interval())
		}
	}
}

// Tick runs one probe-and-report cycle. Exposed so the CLI can force
// an immediate report.
func (r *Reporter) Tick(ctx context.Context) {
	results := r.prober.Probe(ctx)
	nowHealthy := Healthy(results)

	r.mu.Lock()
	wasHealthy := r.healthy
	first := r.firstRun
	r.healthy = nowHealthy
	r.firstRun = false
	r.last = results
	r.mu.Unlock()

	if !nowHealthy && (wasHealthy || first) {
		for _, h := range results {
			if h.State == HealthDegraded {
				r.events.Publish(bus.Event{Kind: bus.EventHealthDegraded, Fields: map[string]string{
					"component": h.Component,
					"detail":    h.Detail,
				}})
				logger.WarnCF("telemetry", "component degraded", map[string]interface{}{
					"component": h.Component,
					"detail":    h.Detail,
				})
			}
		}
	} else if nowHealthy && !wasHealthy {
		r.events.Publish(bus.Event{Kind: bus.EventHealthRestored, Fields: nil})
		logger.InfoC("telemetry", "all components healthy again")
	}

	if !r.consent.Granted() || !r.cfg.TelemetryEnabled() || r.cfg.OfflineMode() {
		return
	}

	report := Report{
		DeviceID: r.cfg.DeviceID(),
		SentAt:   time.Now().UTC(),
		Version:  r.version,
		Health:   results,
	}
	if r.counters != nil {
		report.Counters = r.counters()
	}
	ack, err := r.sink.Send(ctx, report)
	if err != nil {
		logger.WarnCF("telemetry", "report not delivered", map[string]interface{}{"error": err.Error()})
		return
	}
	if ack.ReportIntervalMinutes > 0 {
		next := time.Duration(ack.ReportIntervalMinutes) * time.Minute
		r.mu.Lock()
		changed := next != r.interval
		r.interval = next
		r.mu.Unlock()
		if changed {
			logger.InfoCF("telemetry", "server adjusted report interval", map[string]interface{}{"minutes": ack.ReportIntervalMinutes})
		}
	}
}

// LastHealth returns the most recent probe results.
func (r *Reporter) LastHealth() []ComponentHealth {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ComponentHealth, len(r.last))
	copy(out, r.last)
	return out
}
