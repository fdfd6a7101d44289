package telemetry

import (
	"context"
	"sync"
	"time"
)

type HealthState string

const (
	HealthOK       HealthState = "ok"
	HealthDegraded HealthState = "degraded"
)

// ComponentHealth is the probe result for one named component.
type ComponentHealth struct {
	Component string      `json:"component"`
	State     HealthState `json:"state"`
	Detail    string      `json:"detail,omitempty"`
	CheckedAt time.Time   `json:"checked_at"`
}

// CheckFunc probes one component. A nil error means healthy; the
// error text becomes the degraded detail.
type CheckFunc func(ctx context.Context) error

// Prober runs registered component checks on demand.
type Prober struct {
	mu     sync.Mutex
	checks map[string]CheckFunc
	order  []string
}

func NewProber() *Prober {
	return &Prober{checks: make(map[string]CheckFunc)}
}

func (p *Prober) Register(component string, check CheckFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.checks[component]; !ok {
		p.order = append(p.order, component)
	}
	p.checks[component] = check
}

// Probe runs every check with a per-check timeout and returns results
// in registration order.
func (p *Prober) Probe(ctx context.Context) []ComponentHealth {
	p.mu.Lock()
	order := make([]string, len(p.order))
	copy(order, p.order)
	checks := make(map[string]CheckFunc, len(p.checks))
	for k, v := range p.checks {
		checks[k] = v
	}
	p.mu.Unlock()

	out := make([]ComponentHealth, 0, len(order))
	for _, component := range order {
		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := checks[component](checkCtx)
		cancel()

		h := ComponentHealth{Component: component, State: HealthOK, CheckedAt: time.Now()}
		if err != nil {
			h.State = HealthDegraded
			h.Detail = err.Error()
		}
		out = append(out, h)
	}
	return out
}

// Healthy reports whether every component is ok.
func Healthy(results []ComponentHealth) bool {
	for _, h := range results {
		if h.State != HealthOK {
			return false
		}
	}
	return true
}
