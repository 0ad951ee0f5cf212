// Package recovery drives the staged reconnection pipeline for failed
// endpoints: cooldown, TCP check, RPC check, reconnect, data reload,
// stability check. Failed cycles retry with exponential backoff; once the
// attempt budget is exhausted the runtime enters failed state and a slow
// heartbeat loop keeps probing.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hausnet/linkguard/internal/bus"
	"github.com/hausnet/linkguard/internal/core/domain"
	"github.com/hausnet/linkguard/internal/gateway"
	"github.com/hausnet/linkguard/internal/health"
	"github.com/hausnet/linkguard/internal/metrics"
	"github.com/hausnet/linkguard/internal/resilience"
)

// Config tunes the coordinator.
type Config struct {
	InitialCooldown     time.Duration `yaml:"initial_cooldown"`      // fixed delay before the first check
	WarmupDelay         time.Duration `yaml:"warmup_delay"`          // settle time after a reconnect
	TCPCheckTimeout     time.Duration `yaml:"tcp_check_timeout"`     // raw socket probe timeout
	BaseRetryDelay      time.Duration `yaml:"base_retry_delay"`      // backoff base between failed cycles
	MaxRetryDelay       time.Duration `yaml:"max_retry_delay"`       // backoff cap
	MaxRecoveryAttempts int           `yaml:"max_recovery_attempts"` // budget before permanent failure
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`    // slow fallback retry interval
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		InitialCooldown:     5 * time.Second,
		WarmupDelay:         2 * time.Second,
		TCPCheckTimeout:     10 * time.Second,
		BaseRetryDelay:      2 * time.Second,
		MaxRetryDelay:       60 * time.Second,
		MaxRecoveryAttempts: 5,
		HeartbeatInterval:   5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.InitialCooldown <= 0 {
		c.InitialCooldown = def.InitialCooldown
	}
	if c.WarmupDelay < 0 {
		c.WarmupDelay = def.WarmupDelay
	}
	if c.TCPCheckTimeout <= 0 {
		c.TCPCheckTimeout = def.TCPCheckTimeout
	}
	if c.BaseRetryDelay <= 0 {
		c.BaseRetryDelay = def.BaseRetryDelay
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = def.MaxRetryDelay
	}
	if c.MaxRecoveryAttempts <= 0 {
		c.MaxRecoveryAttempts = def.MaxRecoveryAttempts
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	return c
}

// Coordinator orchestrates recovery cycles. At most one cycle runs per
// endpoint at any time; different endpoints recover independently in
// their own goroutines.
type Coordinator struct {
	cfg     Config
	backoff Backoff

	bus       *bus.Bus
	clients   gateway.ClientProvider
	refresher gateway.DeviceDataRefresher
	incidents gateway.IncidentRecorder // optional
	tracker   *health.Tracker
	central   *resilience.CentralStateMachine
	machines  map[domain.EndpointID]*resilience.ClientStateMachine
	log       *slog.Logger

	mu          sync.Mutex
	states      map[domain.EndpointID]*State
	active      map[domain.EndpointID]struct{}
	failedState bool
	heartbeatOn bool
	hbTick      int
	stopped     bool
	unsubs      []bus.UnsubscribeFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCoordinator wires the coordinator. incidents may be nil.
func NewCoordinator(
	cfg Config,
	b *bus.Bus,
	clients gateway.ClientProvider,
	refresher gateway.DeviceDataRefresher,
	incidents gateway.IncidentRecorder,
	tracker *health.Tracker,
	central *resilience.CentralStateMachine,
	machines map[domain.EndpointID]*resilience.ClientStateMachine,
	log *slog.Logger,
) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Coordinator{
		cfg:       cfg,
		backoff:   Backoff{BaseDelay: cfg.BaseRetryDelay, MaxDelay: cfg.MaxRetryDelay},
		bus:       b,
		clients:   clients,
		refresher: refresher,
		incidents: incidents,
		tracker:   tracker,
		central:   central,
		machines:  machines,
		log:       log,
		states:    make(map[domain.EndpointID]*State),
		active:    make(map[domain.EndpointID]struct{}),
	}
}

// Start subscribes the coordinator to its trigger events. ctx bounds the
// lifetime of every recovery goroutine.
func (c *Coordinator) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)

	c.unsubs = append(c.unsubs,
		c.bus.Subscribe(domain.EventConnectionLost, "", c.onConnectionLost),
		c.bus.Subscribe(domain.EventCircuitBreakerTripped, "", c.onBreakerTripped),
		c.bus.Subscribe(domain.EventCircuitBreakerStateChange, "", c.onBreakerStateChanged),
	)
}

// Stop cancels the heartbeat loop and any in-flight cycles and removes
// all event subscriptions. Idempotent.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// StateSnapshot returns a copy of one endpoint's recovery state.
func (c *Coordinator) StateSnapshot(id domain.EndpointID) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[id]
	if !ok {
		return State{}, false
	}
	return st.snapshot(), true
}

// StateSnapshots returns copies of every known recovery state.
func (c *Coordinator) StateSnapshots() map[domain.EndpointID]State {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[domain.EndpointID]State, len(c.states))
	for id, st := range c.states {
		out[id] = st.snapshot()
	}
	return out
}

// IsRecoveryActive reports whether a cycle is currently running for the
// endpoint.
func (c *Coordinator) IsRecoveryActive(id domain.EndpointID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, active := c.active[id]
	return active
}

// InFailedState reports whether recovery has been exhausted for some
// endpoint and the heartbeat fallback is (or should be) in charge.
func (c *Coordinator) InFailedState() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failedState
}

func (c *Coordinator) onConnectionLost(e bus.Event) {
	ev, ok := e.(domain.ConnectionLost)
	if !ok {
		return
	}
	c.log.Warn("connection lost", "endpoint", ev.EndpointID, "reason", ev.Reason, "message", ev.Message)
	c.recordIncident(domain.Incident{
		Type:       domain.IncidentConnectionLost,
		Severity:   domain.SeverityWarning,
		Message:    ev.Message,
		EndpointID: ev.EndpointID,
		Context:    map[string]string{"reason": string(ev.Reason)},
	})
	c.TriggerRecovery(ev.EndpointID)
}

func (c *Coordinator) onBreakerTripped(e bus.Event) {
	ev, ok := e.(domain.CircuitBreakerTripped)
	if !ok {
		return
	}
	c.log.Warn("circuit breaker tripped", "endpoint", ev.EndpointID, "failures", ev.FailureCount)
	c.TriggerRecovery(ev.EndpointID)
}

// onBreakerStateChanged handles the recovery-by-circuit-recovery path: a
// breaker that closes out of HALF_OPEN means the endpoint healed on its
// own, so only a data refresh is scheduled, not a full cycle.
func (c *Coordinator) onBreakerStateChanged(e bus.Event) {
	ev, ok := e.(domain.CircuitBreakerStateChanged)
	if !ok {
		return
	}
	if ev.OldState != domain.BreakerHalfOpen || ev.NewState != domain.BreakerClosed {
		return
	}
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		c.log.Info("circuit closed after probing, refreshing data", "endpoint", ev.EndpointID)
		if err := c.refresher.LoadAndRefreshDataPointData(c.ctx, ev.EndpointID); err != nil {
			c.log.Warn("post-recovery data refresh failed", "endpoint", ev.EndpointID, "error", err)
		}
	}()
}

// TriggerRecovery starts a recovery cycle for the endpoint unless one is
// already active or the coordinator is shut down.
func (c *Coordinator) TriggerRecovery(id domain.EndpointID) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	if _, running := c.active[id]; running {
		c.mu.Unlock()
		c.log.Debug("recovery already active", "endpoint", id)
		return
	}
	c.active[id] = struct{}{}
	st := c.ensureStateLocked(id)
	st.beginCycle(time.Now())
	c.wg.Add(1)
	c.mu.Unlock()

	if s := c.central.State(); s != domain.CentralRecovering {
		if err := c.central.Transition(domain.CentralRecovering, fmt.Sprintf("recovering endpoint %s", id)); err != nil {
			c.log.Debug("central not moved to recovering", "from", s, "error", err)
		}
	}

	go func() {
		defer c.wg.Done()
		c.runCycle(id)
	}()
}

func (c *Coordinator) ensureStateLocked(id domain.EndpointID) *State {
	st, ok := c.states[id]
	if !ok {
		st = newState(id)
		c.states[id] = st
	}
	return st
}

type stage struct {
	name domain.RecoveryStage
	run  func(ctx context.Context, id domain.EndpointID) error
}

func (c *Coordinator) runCycle(id domain.EndpointID) {
	pipeline := []stage{
		{domain.StageCooldown, c.stageCooldown},
		{domain.StageTCPChecking, c.stageTCPCheck},
		{domain.StageRPCChecking, c.stageRPCCheck},
		{domain.StageReconnecting, c.stageReconnect},
		{domain.StageDataLoading, c.stageDataLoad},
		{domain.StageStabilityCheck, c.stageStabilityCheck},
	}

	for _, s := range pipeline {
		if c.shutdownRequested() {
			c.abandonCycle(id)
			return
		}
		c.enterStage(id, s.name)
		if err := s.run(c.ctx, id); err != nil {
			if errors.Is(err, context.Canceled) {
				c.abandonCycle(id)
				return
			}
			c.failCycle(id, s.name, err)
			return
		}
	}

	c.enterStage(id, domain.StageRecovered)
	c.completeCycle(id)
}

func (c *Coordinator) shutdownRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped || c.ctx.Err() != nil
}

func (c *Coordinator) enterStage(id domain.EndpointID, s domain.RecoveryStage) {
	now := time.Now()
	c.mu.Lock()
	st := c.ensureStateLocked(id)
	prev, elapsed := st.enterStage(s, now)
	attempt := st.AttemptCount
	c.mu.Unlock()

	c.log.Debug("recovery stage", "endpoint", id, "stage", s)
	c.bus.PublishAsync(domain.RecoveryStageChanged{
		EndpointID:     id,
		OldStage:       prev,
		NewStage:       s,
		ElapsedInStage: elapsed,
		AttemptCount:   attempt,
		At:             now,
	})
}

func (c *Coordinator) stageCooldown(ctx context.Context, _ domain.EndpointID) error {
	return sleepCtx(ctx, c.cfg.InitialCooldown)
}

func (c *Coordinator) stageTCPCheck(ctx context.Context, id domain.EndpointID) error {
	client, err := c.clients.GetClient(id)
	if err != nil {
		return fmt.Errorf("client lookup: %w", err)
	}
	port := client.Port()
	if port == 0 {
		// JSON-RPC-only endpoints have no dedicated port configured.
		port = domain.DefaultJSONRPCPort
	}
	return gateway.CheckTCP(ctx, client.Host(), port, client.UseTLS(), c.cfg.TCPCheckTimeout)
}

func (c *Coordinator) stageRPCCheck(ctx context.Context, id domain.EndpointID) error {
	return c.rpcCheck(ctx, id)
}

func (c *Coordinator) stageReconnect(ctx context.Context, id domain.EndpointID) error {
	client, err := c.clients.GetClient(id)
	if err != nil {
		return fmt.Errorf("client lookup: %w", err)
	}

	c.markReconnecting(id)

	if err := client.Reconnect(ctx); err != nil {
		c.markDisconnected(id)
		return fmt.Errorf("reconnect: %w", err)
	}

	c.markConnected(id)
	c.tracker.RecordSuccessfulRequest(id)

	// Give the backend a moment before hammering it with the reload.
	return sleepCtx(ctx, c.cfg.WarmupDelay)
}

func (c *Coordinator) stageDataLoad(ctx context.Context, id domain.EndpointID) error {
	if err := c.refresher.LoadAndRefreshDataPointData(ctx, id); err != nil {
		return fmt.Errorf("data refresh: %w", err)
	}
	return nil
}

func (c *Coordinator) stageStabilityCheck(ctx context.Context, id domain.EndpointID) error {
	// Repeat the liveness probe to confirm the connection survived the
	// reload.
	return c.rpcCheck(ctx, id)
}

func (c *Coordinator) rpcCheck(ctx context.Context, id domain.EndpointID) error {
	client, err := c.clients.GetClient(id)
	if err != nil {
		return fmt.Errorf("client lookup: %w", err)
	}
	ok, err := client.CheckConnectionAvailability(ctx, client.SupportsPingPong())
	if err != nil {
		c.tracker.RecordFailedRequest(id)
		return fmt.Errorf("rpc check: %w", err)
	}
	if !ok {
		c.tracker.RecordFailedRequest(id)
		return fmt.Errorf("rpc check: endpoint %s reports unavailable", id)
	}
	c.tracker.RecordSuccessfulRequest(id)
	return nil
}

// abandonCycle drops the active marker without recording a failure. Used
// on shutdown so a cancelled task does not poison the counters.
func (c *Coordinator) abandonCycle(id domain.EndpointID) {
	c.mu.Lock()
	delete(c.active, id)
	c.mu.Unlock()
}

func (c *Coordinator) completeCycle(id domain.EndpointID) {
	now := time.Now()
	c.mu.Lock()
	st := c.ensureStateLocked(id)
	duration := now.Sub(st.StartedAt)
	attempts := st.AttemptCount
	st.recordSuccess(now)
	delete(c.active, id)
	othersActive := len(c.active) > 0
	c.mu.Unlock()

	c.log.Info("recovery completed", "endpoint", id, "duration", duration)
	metrics.RecoveryAttempts.WithLabelValues(string(id), "success").Inc()
	metrics.RecoveryDuration.WithLabelValues(string(id)).Observe(duration.Seconds())

	c.bus.Publish(domain.RecoveryCompleted{
		EndpointID: id,
		Duration:   duration,
		Attempts:   attempts,
		At:         now,
	})
	c.recordIncident(domain.Incident{
		Type:       domain.IncidentConnectionRestored,
		Severity:   domain.SeverityInfo,
		Message:    fmt.Sprintf("connection to %s restored after %s", id, duration.Round(time.Millisecond)),
		EndpointID: id,
	})

	// Leave the central state alone while other endpoints are still
	// recovering.
	if othersActive {
		return
	}
	c.reevaluateCentral()
}

func (c *Coordinator) reevaluateCentral() {
	switch {
	case c.tracker.ShouldBeRunning() && !c.tracker.ShouldBeDegraded():
		if err := c.central.Transition(domain.CentralRunning, "all recoveries completed"); err == nil {
			c.clearFailedState()
		}
	case c.tracker.ShouldBeDegraded() || c.tracker.AnyClientHealthy():
		if err := c.central.Transition(domain.CentralDegraded, "partial recovery"); err == nil {
			c.clearFailedState()
		}
	}
}

func (c *Coordinator) clearFailedState() {
	c.mu.Lock()
	c.failedState = false
	c.mu.Unlock()
}

func (c *Coordinator) failCycle(id domain.EndpointID, failedStage domain.RecoveryStage, err error) {
	reason := domain.ClassifyFailure(err)
	now := time.Now()

	c.mu.Lock()
	st := c.ensureStateLocked(id)
	st.recordFailure(now)
	attempts := st.AttemptCount
	failures := st.ConsecutiveFailures
	delete(c.active, id)
	c.mu.Unlock()

	c.log.Warn("recovery cycle failed",
		"endpoint", id,
		"stage", failedStage,
		"attempt", attempts,
		"reason", reason,
		"error", err)
	metrics.RecoveryAttempts.WithLabelValues(string(id), "failure").Inc()

	c.bus.Publish(domain.RecoveryAttempted{
		EndpointID: id,
		Success:    false,
		Stage:      failedStage,
		Error:      err.Error(),
		Attempt:    attempts,
		At:         now,
	})

	if attempts >= c.cfg.MaxRecoveryAttempts {
		c.enterFailedState(id, reason)
		return
	}

	delay := c.backoff.Delay(failures)
	c.log.Info("scheduling recovery retry", "endpoint", id, "delay", delay)

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		if err := sleepCtx(c.ctx, delay); err != nil {
			return
		}
		c.TriggerRecovery(id)
	}()
}

// enterFailedState marks the runtime as failed, names the endpoint on the
// central machine and starts the heartbeat fallback exactly once.
func (c *Coordinator) enterFailedState(id domain.EndpointID, reason domain.FailureReason) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.failedState = true
	startHeartbeat := !c.heartbeatOn
	if startHeartbeat {
		c.heartbeatOn = true
		c.wg.Add(1)
	}
	attempts := c.cfg.MaxRecoveryAttempts
	c.mu.Unlock()

	msg := fmt.Sprintf("recovery exhausted for endpoint %s after %d attempts", id, attempts)
	c.log.Error("entering failed state", "endpoint", id, "reason", reason)

	if err := c.central.TransitionFailed(id, reason, msg); err != nil {
		c.log.Warn("central failed transition rejected", "error", err)
	}
	c.bus.Publish(domain.RecoveryFailed{
		EndpointID:               id,
		Reason:                   reason,
		Attempts:                 attempts,
		ManualInterventionNeeded: true,
		At:                       time.Now(),
	})
	c.recordIncident(domain.Incident{
		Type:       domain.IncidentRecoveryExhausted,
		Severity:   domain.SeverityCritical,
		Message:    msg,
		EndpointID: id,
		Context:    map[string]string{"reason": string(reason)},
	})

	if startHeartbeat {
		go c.heartbeatLoop()
	}
}

// heartbeatLoop is the slow fallback: at a fixed interval it grants a
// fresh attempt budget to every endpoint that can no longer retry and
// re-triggers its recovery, for as long as the runtime stays failed.
func (c *Coordinator) heartbeatLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			c.mu.Lock()
			c.heartbeatOn = false
			c.mu.Unlock()
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		if c.stopped || !c.failedState {
			c.heartbeatOn = false
			c.mu.Unlock()
			return
		}
		c.hbTick++
		tick := c.hbTick
		var stuck []domain.EndpointID
		for id, st := range c.states {
			if _, running := c.active[id]; running {
				continue
			}
			if !st.canRetry(c.cfg.MaxRecoveryAttempts) {
				st.resetBudget()
				stuck = append(stuck, id)
			}
		}
		c.mu.Unlock()

		c.bus.PublishAsync(domain.HeartbeatTimerFired{Tick: tick, At: time.Now()})
		c.log.Info("heartbeat retry", "tick", tick, "endpoints", len(stuck))

		for _, id := range stuck {
			c.TriggerRecovery(id)
		}
	}
}

func (c *Coordinator) markReconnecting(id domain.EndpointID) {
	m := c.machines[id]
	if m == nil {
		return
	}
	var err error
	if m.State() == domain.ClientFailed {
		err = m.Transition(domain.ClientConnecting)
	} else {
		err = m.Transition(domain.ClientReconnecting)
	}
	if err != nil {
		c.log.Debug("client transition skipped", "endpoint", id, "error", err)
	}
}

func (c *Coordinator) markConnected(id domain.EndpointID) {
	if m := c.machines[id]; m != nil {
		if err := m.Transition(domain.ClientConnected); err != nil {
			c.log.Debug("client transition skipped", "endpoint", id, "error", err)
		}
	}
}

func (c *Coordinator) markDisconnected(id domain.EndpointID) {
	if m := c.machines[id]; m != nil {
		if err := m.Transition(domain.ClientDisconnected); err != nil {
			c.log.Debug("client transition skipped", "endpoint", id, "error", err)
		}
	}
}

func (c *Coordinator) recordIncident(inc domain.Incident) {
	if c.incidents == nil {
		return
	}
	if inc.CreatedAt.IsZero() {
		inc.CreatedAt = time.Now()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.incidents.RecordIncident(ctx, inc); err != nil {
		c.log.Warn("incident record failed", "type", inc.Type, "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
