// Package health models the health of sources and consumers for the
// /health endpoint.
package health

import (
	"regexp"
	"strings"
	"time"
)

var (
	urlRegex        = regexp.MustCompile(`(https?|nats|wss?)://[^\s]+`)
	unixPathRegex   = regexp.MustCompile(`/[a-zA-Z0-9/_.-]+`)
	ipAddrRegex     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	credentialRegex = regexp.MustCompile(`(?i)(password|token|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Status represents the health state of a component or system
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"` // "healthy", "unhealthy", "degraded"
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
	Metrics     *Metrics  `json:"metrics,omitempty"`
}

// Metrics contains health-related metrics
type Metrics struct {
	Uptime          time.Duration `json:"uptime"`
	ErrorCount      int           `json:"error_count"`
	Subjects        int           `json:"subjects"`
	FramesPushed    int64         `json:"frames_pushed"`
	PendingSubjects int           `json:"pending_subjects"`
	LastActivity    time.Time     `json:"last_activity,omitempty"`
}

// Healthy builds a healthy status.
func Healthy(component, message string) Status {
	return Status{Component: component, Healthy: true, Status: "healthy", Message: message, Timestamp: time.Now()}
}

// Degraded builds a status that is still serving but impaired.
func Degraded(component, message string) Status {
	return Status{Component: component, Healthy: true, Status: "degraded", Message: Sanitize(message), Timestamp: time.Now()}
}

// Unhealthy builds an unhealthy status. The message is sanitized.
func Unhealthy(component, message string) Status {
	return Status{Component: component, Status: "unhealthy", Message: Sanitize(message), Timestamp: time.Now()}
}

// IsHealthy returns true if the status is healthy
func (s Status) IsHealthy() bool {
	return s.Status == "healthy"
}

// IsDegraded returns true if the status is degraded
func (s Status) IsDegraded() bool {
	return s.Status == "degraded"
}

// IsUnhealthy returns true if the status is unhealthy
func (s Status) IsUnhealthy() bool {
	return s.Status == "unhealthy"
}

// WithMetrics returns a copy of the status with metrics attached
func (s Status) WithMetrics(metrics *Metrics) Status {
	s.Metrics = metrics
	return s
}

// WithSubStatus adds a sub-status and returns a copy
func (s Status) WithSubStatus(subStatus Status) Status {
	newSubStatuses := make([]Status, len(s.SubStatuses), len(s.SubStatuses)+1)
	copy(newSubStatuses, s.SubStatuses)
	s.SubStatuses = append(newSubStatuses, subStatus)
	return s
}

// Aggregate rolls sub-statuses into one. Any unhealthy child makes the
// aggregate unhealthy; any degraded child makes it degraded.
func Aggregate(component string, subs []Status) Status {
	out := Healthy(component, "all components healthy")
	degraded := 0
	for _, sub := range subs {
		out = out.WithSubStatus(sub)
		switch {
		case sub.IsUnhealthy():
			out.Healthy = false
			out.Status = "unhealthy"
			out.Message = sub.Component + " unhealthy"
		case sub.IsDegraded():
			degraded++
		}
	}
	if out.Healthy && degraded > 0 {
		out.Status = "degraded"
		out.Message = "one or more components degraded"
	}
	return out
}

// Sanitize strips URLs, paths, IP addresses and credentials from msg.
func Sanitize(msg string) string {
	if msg == "" {
		return ""
	}

	sanitized := urlRegex.ReplaceAllString(msg, "[URL]")
	sanitized = unixPathRegex.ReplaceAllString(sanitized, "[PATH]")
	sanitized = ipAddrRegex.ReplaceAllString(sanitized, "[IP]")

	lower := strings.ToLower(sanitized)
	if strings.Contains(lower, "password") || strings.Contains(lower, "token") ||
		strings.Contains(lower, "secret") || strings.Contains(lower, "credential") {
		sanitized = credentialRegex.ReplaceAllString(sanitized, "[REDACTED]")
	}

	return sanitized
}
