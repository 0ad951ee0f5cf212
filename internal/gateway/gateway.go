// Package gateway defines the narrow contracts between the resilience
// core and the surrounding RPC gateway. The wire-level encoding, device
// model and caches live behind these interfaces and are never consumed
// directly.
package gateway

import (
	"context"
	"time"

	"github.com/hausnet/linkguard/internal/core/domain"
)

// Client is the capability surface the recovery pipeline consumes from a
// live endpoint client. Implementations wrap the actual RPC transport.
type Client interface {
	// Available reports whether the client considers itself usable.
	Available() bool

	// CheckConnectionAvailability issues a lightweight liveness probe.
	// When handlePingPong is true the probe also validates the inbound
	// ping-pong heartbeat path; callers pass false for endpoints that
	// have no callback support.
	CheckConnectionAvailability(ctx context.Context, handlePingPong bool) (bool, error)

	// Reconnect re-establishes the client's session and callback
	// registration.
	Reconnect(ctx context.Context) error

	// Host and Port identify the endpoint's transport address. A zero
	// port means no dedicated port is configured. UseTLS reports whether
	// the transport speaks TLS.
	Host() string
	Port() int
	UseTLS() bool

	// SupportsPingPong reports whether the endpoint delivers inbound
	// liveness heartbeats.
	SupportsPingPong() bool
}

// ClientProvider looks up live client handles by endpoint id.
type ClientProvider interface {
	GetClient(id domain.EndpointID) (Client, error)
}

// DeviceDataRefresher triggers a full data refresh for an endpoint. It
// backs the DATA_LOADING recovery stage and may fail.
type DeviceDataRefresher interface {
	LoadAndRefreshDataPointData(ctx context.Context, id domain.EndpointID) error
}

// ConfigProvider exposes the connection and recovery tuning the core
// needs from the gateway configuration.
type ConfigProvider interface {
	Host() string
	UseTLS() bool
	InitialCooldown() time.Duration
	WarmupDelay() time.Duration
	TCPCheckTimeout() time.Duration
}

// IncidentRecorder persists connection-lost/connection-restored records
// for post-mortem diagnostics. A nil recorder is a no-op.
type IncidentRecorder interface {
	RecordIncident(ctx context.Context, incident domain.Incident) error
}

// ConnectionIssueTracker lets other components query "is this endpoint
// impaired" without depending on the circuit breaker directly. The
// breaker marks an endpoint on open and clears it on close.
type ConnectionIssueTracker interface {
	MarkImpaired(ctx context.Context, id domain.EndpointID, reason string) error
	ClearImpaired(ctx context.Context, id domain.EndpointID) error
	IsImpaired(ctx context.Context, id domain.EndpointID) (bool, error)
}
