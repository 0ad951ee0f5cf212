// Package memory implements the incident store in process memory. Used
// when no database is configured; records do not survive a restart.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hausnet/linkguard/internal/core/domain"
	"github.com/hausnet/linkguard/internal/metrics"
)

// maxIncidents bounds the retained ring.
const maxIncidents = 1000

// IncidentStore is an in-memory incident repository.
type IncidentStore struct {
	mu        sync.RWMutex
	incidents []domain.Incident
}

// NewIncidentStore creates an empty store.
func NewIncidentStore() *IncidentStore {
	return &IncidentStore{}
}

// RecordIncident stores one incident, trimming the oldest entries past
// the ring bound.
func (s *IncidentStore) RecordIncident(_ context.Context, incident domain.Incident) error {
	if incident.ID == "" {
		incident.ID = uuid.New().String()
	}
	if incident.CreatedAt.IsZero() {
		incident.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.incidents = append(s.incidents, incident)
	if len(s.incidents) > maxIncidents {
		s.incidents = s.incidents[len(s.incidents)-maxIncidents:]
	}
	metrics.IncidentsRecorded.WithLabelValues(string(incident.Type), string(incident.Severity)).Inc()
	return nil
}

// Recent returns up to limit incidents, newest first.
func (s *IncidentStore) Recent(_ context.Context, limit int) ([]domain.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.incidents)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]domain.Incident, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.incidents[i])
	}
	return out, nil
}

// CountByEndpoint returns the number of stored incidents for one endpoint.
func (s *IncidentStore) CountByEndpoint(_ context.Context, id domain.EndpointID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, inc := range s.incidents {
		if inc.EndpointID == id {
			count++
		}
	}
	return count, nil
}
