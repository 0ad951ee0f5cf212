package domain

import "time"

// IncidentType categorizes durable incident records.
type IncidentType string

const (
	IncidentConnectionLost     IncidentType = "connection_lost"
	IncidentConnectionRestored IncidentType = "connection_restored"
	IncidentRecoveryExhausted  IncidentType = "recovery_exhausted"
)

// IncidentSeverity indicates how serious an incident is.
type IncidentSeverity string

const (
	SeverityInfo     IncidentSeverity = "info"
	SeverityWarning  IncidentSeverity = "warning"
	SeverityError    IncidentSeverity = "error"
	SeverityCritical IncidentSeverity = "critical"
)

// Incident is a durable record of a connection-lost/connection-restored
// event, kept for post-mortem diagnostics.
type Incident struct {
	ID         string            `json:"id" db:"id"`
	Type       IncidentType      `json:"type" db:"incident_type"`
	Severity   IncidentSeverity  `json:"severity" db:"severity"`
	Message    string            `json:"message" db:"message"`
	EndpointID EndpointID        `json:"endpoint_id" db:"endpoint_id"`
	Context    map[string]string `json:"context,omitempty" db:"-"`
	CreatedAt  time.Time         `json:"created_at" db:"created_at"`
}
