// Package storage defines the incident store contract and its
// implementations.
package storage

import (
	"context"

	"github.com/hausnet/linkguard/internal/core/domain"
)

// IncidentRepository persists incidents and serves post-mortem queries.
// It extends the gateway.IncidentRecorder contract with the read side
// used by diagnostics.
type IncidentRepository interface {
	// RecordIncident stores one incident.
	RecordIncident(ctx context.Context, incident domain.Incident) error

	// Recent returns up to limit incidents, newest first.
	Recent(ctx context.Context, limit int) ([]domain.Incident, error)

	// CountByEndpoint returns the number of stored incidents for one
	// endpoint.
	CountByEndpoint(ctx context.Context, id domain.EndpointID) (int, error)
}
