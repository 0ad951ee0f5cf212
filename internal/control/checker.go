package control

import (
	"context"
	"fmt"
	"time"

	"github.com/hausnet/linkguard/internal/core/config"
	"github.com/hausnet/linkguard/internal/core/domain"
	"github.com/hausnet/linkguard/internal/gateway"
)

// checkLoop periodically verifies one endpoint's connection, feeding the
// circuit breaker and the health tracker. A check that fails while the
// client is connected raises a connection-lost event, which triggers the
// recovery coordinator.
func (r *Runtime) checkLoop(ctx context.Context, id domain.EndpointID) {
	defer r.wg.Done()

	interval := r.cfg.Watch.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		r.checkEndpoint(ctx, id)
	}
}

func (r *Runtime) checkEndpoint(ctx context.Context, id domain.EndpointID) {
	breaker := r.breakers[id]
	machine := r.machines[id]

	// The coordinator owns the endpoint while a recovery cycle runs;
	// probing it in parallel would double-count failures.
	if r.coordinator.IsRecoveryActive(id) {
		return
	}

	if !breaker.IsAvailable() {
		breaker.RecordRejection()
		return
	}

	client, err := r.clients.GetClient(id)
	if err != nil {
		r.log.Warn("client lookup failed", "endpoint", id, "error", err)
		return
	}

	ok, err := client.CheckConnectionAvailability(ctx, client.SupportsPingPong())
	if err == nil && ok {
		breaker.RecordSuccess()
		r.tracker.RecordSuccessfulRequest(id)
		// A check succeeding while disconnected means the endpoint came
		// back on its own.
		if machine.State() == domain.ClientDisconnected {
			_ = machine.Transition(domain.ClientConnecting)
			_ = machine.Transition(domain.ClientConnected)
		}
		return
	}

	breaker.RecordFailure()
	r.tracker.RecordFailedRequest(id)

	reason := domain.ClassifyFailure(err)
	msg := fmt.Sprintf("connection check failed for %s", id)
	if err != nil {
		msg = err.Error()
	}

	if machine.State() == domain.ClientConnected {
		_ = machine.TransitionWithReason(domain.ClientDisconnected, reason, msg)
		r.bus.Publish(domain.ConnectionLost{
			EndpointID: id,
			Reason:     reason,
			Message:    msg,
			At:         time.Now(),
		})
	}
}

// staticProvider resolves clients from a fixed map.
type staticProvider map[domain.EndpointID]gateway.Client

// GetClient implements gateway.ClientProvider.
func (p staticProvider) GetClient(id domain.EndpointID) (gateway.Client, error) {
	c, ok := p[id]
	if !ok {
		return nil, fmt.Errorf("no client for endpoint %s", id)
	}
	return c, nil
}

// probeProvider builds transport-probe clients for every configured
// endpoint. The gateway tuning, when present, supplies the shared host
// and TLS defaults for endpoints that do not set their own.
func probeProvider(endpoints []config.EndpointConfig, tuning gateway.ConfigProvider) staticProvider {
	p := make(staticProvider, len(endpoints))
	for _, ep := range endpoints {
		host, useTLS := ep.Host, ep.TLS
		if tuning != nil {
			if host == "" {
				host = tuning.Host()
			}
			useTLS = useTLS || tuning.UseTLS()
		}
		p[ep.ID] = gateway.NewProbeClient(ep.ID, ep.Kind, host, ep.Port, useTLS, ep.CheckTimeout)
	}
	return p
}
