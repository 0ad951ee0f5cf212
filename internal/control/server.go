package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hausnet/linkguard/internal/core/domain"
	"github.com/hausnet/linkguard/internal/health"
	"github.com/hausnet/linkguard/internal/recovery"
	"github.com/hausnet/linkguard/internal/resilience"
)

// Server provides HTTP endpoints for health monitoring.
type Server struct {
	tracker     *health.Tracker
	central     *resilience.CentralStateMachine
	coordinator *recovery.Coordinator
	server      *http.Server
}

// Report is the payload of /health/detailed.
type Report struct {
	SystemState  domain.CentralState                  `json:"system_state"`
	OverallScore float64                              `json:"overall_score"`
	Endpoints    map[domain.EndpointID]EndpointReport `json:"endpoints"`
	History      []resilience.StateChange             `json:"history"`
}

// EndpointReport combines the health record, its derived values and the
// recovery state for one endpoint.
type EndpointReport struct {
	health.ConnectionHealth
	Score     float64         `json:"score"`
	Available bool            `json:"available"`
	Degraded  bool            `json:"degraded"`
	Recovery  *recovery.State `json:"recovery,omitempty"`
}

// NewServer creates a health server listening on the given port.
func NewServer(
	tracker *health.Tracker,
	central *resilience.CentralStateMachine,
	coordinator *recovery.Coordinator,
	port int,
) *Server {
	mux := http.NewServeMux()
	s := &Server{
		tracker:     tracker,
		central:     central,
		coordinator: coordinator,
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		},
	}

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/detailed", s.handleDetailed)
	mux.Handle("/metrics", promhttp.Handler())

	return s
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.central.State()

	response := map[string]any{
		"state": state,
		"score": s.tracker.OverallScore(),
	}
	w.Header().Set("Content-Type", "application/json")

	if state == domain.CentralFailed {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	_ = json.NewEncoder(w).Encode(response)
}

func (s *Server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	report := Report{
		SystemState:  s.central.State(),
		OverallScore: s.tracker.OverallScore(),
		Endpoints:    make(map[domain.EndpointID]EndpointReport),
		History:      s.central.History(),
	}

	recoveries := s.coordinator.StateSnapshots()
	for id, h := range s.tracker.Snapshots() {
		ep := EndpointReport{
			ConnectionHealth: h,
			Score:            h.Score(),
			Available:        h.IsAvailable(),
			Degraded:         h.IsDegraded(),
		}
		if rs, ok := recoveries[id]; ok {
			ep.Recovery = &rs
		}
		report.Endpoints[id] = ep
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(report)
}
