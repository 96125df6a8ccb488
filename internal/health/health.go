// Package health provides agent health monitoring and status reporting.
package health

import "time"

// SystemStatus represents the overall health state of the agent or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// ComponentHealth contains health details for one component.
type ComponentHealth struct {
	Name                string       `json:"name"`
	Status              SystemStatus `json:"status"`
	LastSuccess         *time.Time   `json:"last_success,omitempty"`
	ConsecutiveFailures int          `json:"consecutive_failures,omitempty"`
	Error               string       `json:"error,omitempty"`
}

// HealthReport contains the full health report.
type HealthReport struct {
	SystemStatus SystemStatus               `json:"system_status"`
	Components   map[string]ComponentHealth `json:"components"`
}

// Worst returns the most severe status in the report.
func Worst(components map[string]ComponentHealth) SystemStatus {
	status := StatusHealthy
	for _, c := range components {
		if c.Status == StatusCritical {
			return StatusCritical
		}
		if c.Status == StatusDegraded {
			status = StatusDegraded
		}
	}
	return status
}
