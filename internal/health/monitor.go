package health

import (
	"context"
	"sync"
	"time"
)

// Pinger checks a dependency.
type Pinger interface {
	Health(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Health(ctx context.Context) error { return f(ctx) }

const (
	componentPoller = "poller"

	degradedAfter = 1
	criticalAfter = 3
)

// Monitor aggregates health from poll cycle results and dependency pings.
type Monitor struct {
	interval   time.Duration
	pingers    map[string]Pinger
	critical   map[string]bool // dependencies whose failure is critical
	now        func() time.Time
	lastCheck  time.Time
	lastReport map[string]ComponentHealth

	lastSuccess time.Time
	failures    int
	lastErr     string

	mu sync.RWMutex
}

// NewMonitor creates a new health monitor. interval is the expected time
// between poll cycles.
func NewMonitor(interval time.Duration) *Monitor {
	return &Monitor{
		interval:   interval,
		pingers:    make(map[string]Pinger),
		critical:   make(map[string]bool),
		now:        time.Now,
		lastReport: make(map[string]ComponentHealth),
	}
}

// AddDependency registers a dependency to ping on each check.
func (m *Monitor) AddDependency(name string, p Pinger, critical bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pingers[name] = p
	m.critical[name] = critical
}

// RecordCycle records the outcome of one poll cycle.
func (m *Monitor) RecordCycle(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.failures++
		m.lastErr = err.Error()
	} else {
		m.failures = 0
		m.lastErr = ""
		m.lastSuccess = m.now()
	}
	m.lastCheck = time.Time{}
}

// CheckHealth returns the health of every component.
func (m *Monitor) CheckHealth(ctx context.Context) map[string]ComponentHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Rate limit checks to avoid hammering dependencies
	if m.now().Sub(m.lastCheck) < 10*time.Second && len(m.lastReport) > 0 {
		return m.lastReport
	}

	report := make(map[string]ComponentHealth, len(m.pingers)+1)
	report[componentPoller] = m.pollerHealth()

	for name, p := range m.pingers {
		h := ComponentHealth{Name: name, Status: StatusHealthy}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := p.Health(pingCtx); err != nil {
			h.Status = StatusDegraded
			if m.critical[name] {
				h.Status = StatusCritical
			}
			h.Error = err.Error()
		}
		cancel()
		report[name] = h
	}

	m.lastCheck = m.now()
	m.lastReport = report
	return report
}

// Report returns the full report with the aggregate status.
func (m *Monitor) Report(ctx context.Context) HealthReport {
	components := m.CheckHealth(ctx)
	return HealthReport{SystemStatus: Worst(components), Components: components}
}

// pollerHealth must be called with mu held.
func (m *Monitor) pollerHealth() ComponentHealth {
	h := ComponentHealth{
		Name:                componentPoller,
		Status:              StatusHealthy,
		ConsecutiveFailures: m.failures,
		Error:               m.lastErr,
	}
	if !m.lastSuccess.IsZero() {
		t := m.lastSuccess
		h.LastSuccess = &t
	}

	// Evaluate Status
	switch {
	case m.failures >= criticalAfter:
		h.Status = StatusCritical
	case m.failures >= degradedAfter:
		h.Status = StatusDegraded
	case m.interval > 0 && !m.lastSuccess.IsZero() && m.now().Sub(m.lastSuccess) > 3*m.interval:
		h.Status = StatusDegraded
	}
	return h
}
