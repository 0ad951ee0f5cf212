package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hausnet/linkguard/internal/core/domain"
	"github.com/hausnet/linkguard/internal/metrics"
)

// IncidentRepo implements storage.IncidentRepository using PostgreSQL.
type IncidentRepo struct {
	db *DB
}

// NewIncidentRepo creates a new PostgreSQL incident repository.
func NewIncidentRepo(db *DB) *IncidentRepo {
	return &IncidentRepo{db: db}
}

// RecordIncident stores one incident.
func (r *IncidentRepo) RecordIncident(ctx context.Context, incident domain.Incident) error {
	if incident.ID == "" {
		incident.ID = uuid.New().String()
	}
	if incident.CreatedAt.IsZero() {
		incident.CreatedAt = time.Now()
	}

	contextJSON, err := json.Marshal(incident.Context)
	if err != nil {
		return fmt.Errorf("marshal incident context: %w", err)
	}

	query := `
		INSERT INTO incidents (id, incident_type, severity, message, endpoint_id, context, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = r.db.ExecContext(
		ctx,
		query,
		incident.ID,
		incident.Type,
		incident.Severity,
		incident.Message,
		incident.EndpointID,
		contextJSON,
		incident.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert incident: %w", err)
	}

	metrics.IncidentsRecorded.WithLabelValues(string(incident.Type), string(incident.Severity)).Inc()
	return nil
}

// Recent returns up to limit incidents, newest first.
func (r *IncidentRepo) Recent(ctx context.Context, limit int) ([]domain.Incident, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, incident_type, severity, message, endpoint_id, context, created_at
		FROM incidents
		ORDER BY created_at DESC
		LIMIT $1
	`

	var rows []struct {
		ID         string    `db:"id"`
		Type       string    `db:"incident_type"`
		Severity   string    `db:"severity"`
		Message    string    `db:"message"`
		EndpointID string    `db:"endpoint_id"`
		Context    []byte    `db:"context"`
		CreatedAt  time.Time `db:"created_at"`
	}

	if err := r.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, fmt.Errorf("failed to select incidents: %w", err)
	}

	incidents := make([]domain.Incident, 0, len(rows))
	for _, row := range rows {
		inc := domain.Incident{
			ID:         row.ID,
			Type:       domain.IncidentType(row.Type),
			Severity:   domain.IncidentSeverity(row.Severity),
			Message:    row.Message,
			EndpointID: domain.EndpointID(row.EndpointID),
			CreatedAt:  row.CreatedAt,
		}
		if len(row.Context) > 0 {
			if err := json.Unmarshal(row.Context, &inc.Context); err != nil {
				return nil, fmt.Errorf("unmarshal incident context: %w", err)
			}
		}
		incidents = append(incidents, inc)
	}
	return incidents, nil
}

// CountByEndpoint returns the number of stored incidents for one endpoint.
func (r *IncidentRepo) CountByEndpoint(ctx context.Context, id domain.EndpointID) (int, error) {
	query := `SELECT COUNT(*) FROM incidents WHERE endpoint_id = $1`
	var count int
	if err := r.db.GetContext(ctx, &count, query, string(id)); err != nil {
		return 0, fmt.Errorf("failed to count incidents: %w", err)
	}
	return count, nil
}
