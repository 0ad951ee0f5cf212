package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/hausnet/linkguard/internal/core/domain"
)

// ProbeClient is a transport-level Client used when linkguard runs
// standalone, without an RPC layer wired in: availability is derived from
// TCP reachability and Reconnect just re-runs the probe. The full gateway
// replaces it with real RPC-backed clients.
type ProbeClient struct {
	id      domain.EndpointID
	kind    domain.EndpointKind
	host    string
	port    int
	useTLS  bool
	timeout time.Duration

	mu        sync.Mutex
	available bool
}

// NewProbeClient creates a probe-only client for the endpoint.
func NewProbeClient(
	id domain.EndpointID,
	kind domain.EndpointKind,
	host string,
	port int,
	useTLS bool,
	timeout time.Duration,
) *ProbeClient {
	return &ProbeClient{
		id:      id,
		kind:    kind,
		host:    host,
		port:    port,
		useTLS:  useTLS,
		timeout: timeout,
	}
}

// Available reports the outcome of the last probe.
func (p *ProbeClient) Available() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available
}

// CheckConnectionAvailability probes the endpoint. handlePingPong is
// accepted for contract compatibility; without an RPC layer there is no
// heartbeat to validate.
func (p *ProbeClient) CheckConnectionAvailability(ctx context.Context, _ bool) (bool, error) {
	err := CheckTCP(ctx, p.host, p.probePort(), p.useTLS, p.timeout)

	p.mu.Lock()
	p.available = err == nil
	p.mu.Unlock()

	if err != nil {
		return false, err
	}
	return true, nil
}

// Reconnect re-establishes reachability by probing the endpoint.
func (p *ProbeClient) Reconnect(ctx context.Context) error {
	_, err := p.CheckConnectionAvailability(ctx, false)
	return err
}

// Host returns the configured host.
func (p *ProbeClient) Host() string { return p.host }

// Port returns the configured port, zero when none is set.
func (p *ProbeClient) Port() int { return p.port }

// UseTLS reports whether probes use TLS.
func (p *ProbeClient) UseTLS() bool { return p.useTLS }

// SupportsPingPong reports whether the endpoint kind has callbacks.
func (p *ProbeClient) SupportsPingPong() bool { return p.kind.SupportsCallbacks() }

func (p *ProbeClient) probePort() int {
	if p.port == 0 {
		return domain.DefaultJSONRPCPort
	}
	return p.port
}
