// Package control wires the resilience components into a runnable
// runtime and manages their lifecycle.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/pressly/goose/v3"

	"github.com/hausnet/linkguard/internal/bus"
	"github.com/hausnet/linkguard/internal/core/config"
	"github.com/hausnet/linkguard/internal/core/domain"
	"github.com/hausnet/linkguard/internal/gateway"
	"github.com/hausnet/linkguard/internal/health"
	"github.com/hausnet/linkguard/internal/infra/redis"
	"github.com/hausnet/linkguard/internal/infra/storage"
	"github.com/hausnet/linkguard/internal/infra/storage/memory"
	"github.com/hausnet/linkguard/internal/infra/storage/postgres"
	"github.com/hausnet/linkguard/internal/recovery"
	"github.com/hausnet/linkguard/internal/resilience"
)

// Deps lets the surrounding gateway inject its own collaborators. Every
// field is optional: missing clients fall back to transport probes,
// a missing refresher to a no-op, a missing incident store to the one
// selected by configuration.
type Deps struct {
	Clients   gateway.ClientProvider
	Refresher gateway.DeviceDataRefresher
	Incidents storage.IncidentRepository
	Tuning    gateway.ConfigProvider
}

// Runtime owns every component of the resilience core.
//
// Construction order: bus, incident store, issue tracker, state machines,
// breakers, tracker, coordinator, health server. Teardown reverses it:
// health server, checker loops, coordinator, client machines, central
// machine, bus, then external connections.
type Runtime struct {
	cfg config.AppConfig
	log *slog.Logger

	bus         *bus.Bus
	central     *resilience.CentralStateMachine
	machines    map[domain.EndpointID]*resilience.ClientStateMachine
	breakers    map[domain.EndpointID]*resilience.CircuitBreaker
	tracker     *health.Tracker
	coordinator *recovery.Coordinator
	server      *Server

	clients   gateway.ClientProvider
	refresher gateway.DeviceDataRefresher
	incidents storage.IncidentRepository

	redisClient *redis.Client
	db          *postgres.DB

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	unsubs  []bus.UnsubscribeFunc
	stopped bool
	mu      sync.Mutex
}

// NewRuntime builds the runtime from configuration and optional
// dependency overrides.
func NewRuntime(cfg config.AppConfig, deps Deps, log *slog.Logger) (*Runtime, error) {
	if log == nil {
		log = slog.Default()
	}

	r := &Runtime{
		cfg:      cfg,
		log:      log,
		machines: make(map[domain.EndpointID]*resilience.ClientStateMachine),
		breakers: make(map[domain.EndpointID]*resilience.CircuitBreaker),
	}

	r.bus = bus.New(log)
	r.central = resilience.NewCentralStateMachine(r.bus, log)
	r.tracker = health.NewTracker(cfg.Primary, log)

	if err := r.initIncidentStore(deps.Incidents); err != nil {
		return nil, err
	}

	var issueTracker gateway.ConnectionIssueTracker
	if cfg.Redis.URL != "" {
		rc, err := redis.NewClient(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to init redis: %w", err)
		}
		r.redisClient = rc
		issueTracker = rc
		log.Info("using redis connection issue tracker")
	}

	r.clients = deps.Clients
	if r.clients == nil {
		r.clients = probeProvider(cfg.Endpoints, deps.Tuning)
		log.Info("no client provider injected, using transport probes")
	}
	r.refresher = deps.Refresher
	if r.refresher == nil {
		r.refresher = noopRefresher{}
	}

	for _, ep := range cfg.Endpoints {
		r.machines[ep.ID] = resilience.NewClientStateMachine(ep.ID, r.bus, nil, log)
		r.breakers[ep.ID] = resilience.NewCircuitBreaker(ep.ID, cfg.Breaker, r.bus, issueTracker, log)
		r.tracker.RegisterClient(ep.ID, ep.Kind)
	}

	recoveryCfg := cfg.Recovery
	if deps.Tuning != nil {
		applyTuning(&recoveryCfg, deps.Tuning)
	}
	r.coordinator = recovery.NewCoordinator(
		recoveryCfg,
		r.bus,
		r.clients,
		r.refresher,
		r.incidents,
		r.tracker,
		r.central,
		r.machines,
		log,
	)

	r.server = NewServer(r.tracker, r.central, r.coordinator, cfg.Server.Port)

	// Keep the tracker in sync with the state machines and breakers.
	r.unsubs = append(r.unsubs,
		r.bus.Subscribe(domain.EventClientStateChanged, "", func(e bus.Event) {
			if ev, ok := e.(domain.ClientStateChanged); ok {
				r.tracker.UpdateClientHealth(ev.EndpointID, ev.OldState, ev.NewState)
			}
		}),
		r.bus.Subscribe(domain.EventCircuitBreakerStateChange, "", func(e bus.Event) {
			if ev, ok := e.(domain.CircuitBreakerStateChanged); ok {
				r.tracker.UpdateBreakerState(ev.EndpointID, ev.NewState)
			}
		}),
	)

	return r, nil
}

func (r *Runtime) initIncidentStore(injected storage.IncidentRepository) error {
	if injected != nil {
		r.incidents = injected
		return nil
	}
	if r.cfg.Database.URL == "" {
		r.incidents = memory.NewIncidentStore()
		r.log.Info("using in-memory incident store")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := postgres.NewDB(ctx, r.cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to init db: %w", err)
	}
	if err := goose.SetDialect("postgres"); err != nil {
		_ = db.Close()
		return err
	}
	if err := goose.Up(db.DB.DB, "migrations"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to migrate db: %w", err)
	}
	r.db = db
	r.incidents = postgres.NewIncidentRepo(db)
	r.log.Info("using postgresql incident store")
	return nil
}

// Start brings the runtime up: initializes every client machine, starts
// the coordinator, the connection checker loops and the health server,
// and settles the central state.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, r.cancel = context.WithCancel(ctx)

	if err := r.central.Transition(domain.CentralInitializing, "startup"); err != nil {
		return err
	}

	r.coordinator.Start(ctx)

	// Contract conformance: every configured endpoint must resolve to a
	// client before the checker loops rely on it.
	for _, ep := range r.cfg.Endpoints {
		if _, err := r.clients.GetClient(ep.ID); err != nil {
			return fmt.Errorf("endpoint %s has no client: %w", ep.ID, err)
		}
	}

	for _, ep := range r.cfg.Endpoints {
		r.initEndpoint(ctx, ep.ID)
	}

	r.settleCentral()

	for _, ep := range r.cfg.Endpoints {
		r.wg.Add(1)
		go r.checkLoop(ctx, ep.ID)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Warn("health server stopped", "error", err)
		}
	}()

	r.log.Info("runtime started", "endpoints", len(r.cfg.Endpoints), "primary", r.cfg.Primary)
	return nil
}

// initEndpoint walks one client through its initial lifecycle and
// attempts the first connection.
func (r *Runtime) initEndpoint(ctx context.Context, id domain.EndpointID) {
	m := r.machines[id]
	_ = m.Transition(domain.ClientInitializing)

	client, err := r.clients.GetClient(id)
	if err != nil {
		_ = m.TransitionWithReason(domain.ClientFailed, domain.FailureInternal, err.Error())
		return
	}

	_ = m.Transition(domain.ClientInitialized)
	_ = m.Transition(domain.ClientConnecting)

	ok, err := client.CheckConnectionAvailability(ctx, client.SupportsPingPong())
	if err == nil && ok {
		_ = m.Transition(domain.ClientConnected)
		r.breakers[id].RecordSuccess()
		r.tracker.RecordSuccessfulRequest(id)
		return
	}

	reason := domain.ClassifyFailure(err)
	msg := "endpoint unavailable at startup"
	if err != nil {
		msg = err.Error()
	}
	_ = m.TransitionWithReason(domain.ClientFailed, reason, msg)
	r.breakers[id].RecordFailure()
	r.tracker.RecordFailedRequest(id)
	r.bus.Publish(domain.ConnectionLost{
		EndpointID: id,
		Reason:     reason,
		Message:    msg,
		At:         time.Now(),
	})
}

// settleCentral moves the central machine out of INITIALIZING based on
// the aggregate health picture.
func (r *Runtime) settleCentral() {
	switch {
	case r.tracker.AllClientsHealthy():
		_ = r.central.Transition(domain.CentralRunning, "all endpoints connected")
	case r.tracker.AnyClientHealthy():
		_ = r.central.Transition(domain.CentralDegraded, "some endpoints unavailable")
	default:
		if r.central.State() == domain.CentralInitializing {
			_ = r.central.Transition(domain.CentralDegraded, "no endpoint connected yet")
		}
	}
}

// Stop shuts the runtime down in reverse construction order. Idempotent.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	r.mu.Unlock()

	_ = r.central.Transition(domain.CentralStopping, "shutdown requested")

	if err := r.server.Stop(ctx); err != nil {
		r.log.Warn("health server shutdown failed", "error", err)
	}

	if r.cancel != nil {
		r.cancel()
	}
	r.coordinator.Stop()
	r.wg.Wait()

	for id, m := range r.machines {
		if err := m.Transition(domain.ClientStopping); err != nil {
			m.ForceTransition(domain.ClientStopping)
		}
		_ = m.Transition(domain.ClientStopped)
		r.tracker.UnregisterClient(id)
	}

	_ = r.central.Transition(domain.CentralStopped, "shutdown complete")

	for _, u := range r.unsubs {
		u()
	}
	r.bus.Close()

	if r.redisClient != nil {
		if err := r.redisClient.Close(); err != nil {
			r.log.Warn("redis close failed", "error", err)
		}
	}
	if r.db != nil {
		if err := r.db.Close(); err != nil {
			r.log.Warn("db close failed", "error", err)
		}
	}

	r.log.Info("runtime stopped")
	return nil
}

// Bus exposes the event bus to the surrounding gateway.
func (r *Runtime) Bus() *bus.Bus { return r.bus }

// Tracker exposes the health tracker to the surrounding gateway.
func (r *Runtime) Tracker() *health.Tracker { return r.tracker }

// Breaker returns the circuit breaker for one endpoint.
func (r *Runtime) Breaker(id domain.EndpointID) *resilience.CircuitBreaker {
	return r.breakers[id]
}

func applyTuning(cfg *recovery.Config, tuning gateway.ConfigProvider) {
	if cfg.InitialCooldown == 0 {
		cfg.InitialCooldown = tuning.InitialCooldown()
	}
	if cfg.WarmupDelay == 0 {
		cfg.WarmupDelay = tuning.WarmupDelay()
	}
	if cfg.TCPCheckTimeout == 0 {
		cfg.TCPCheckTimeout = tuning.TCPCheckTimeout()
	}
}

// noopRefresher satisfies DeviceDataRefresher when no data layer is
// wired in.
type noopRefresher struct{}

func (noopRefresher) LoadAndRefreshDataPointData(context.Context, domain.EndpointID) error {
	return nil
}
