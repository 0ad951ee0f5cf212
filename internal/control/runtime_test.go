package control

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/hausnet/linkguard/internal/core/config"
	"github.com/hausnet/linkguard/internal/core/domain"
	"github.com/hausnet/linkguard/internal/gateway"
	"github.com/hausnet/linkguard/internal/recovery"
	"github.com/hausnet/linkguard/internal/resilience"
)

type fakeClient struct {
	host string
	port int

	mu      sync.Mutex
	healthy bool
}

func (c *fakeClient) setHealthy(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.healthy = v
}

func (c *fakeClient) Available() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthy
}

func (c *fakeClient) CheckConnectionAvailability(context.Context, bool) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthy, nil
}

func (c *fakeClient) Reconnect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.healthy {
		return context.DeadlineExceeded
	}
	return nil
}

func (c *fakeClient) Host() string           { return c.host }
func (c *fakeClient) Port() int              { return c.port }
func (c *fakeClient) UseTLS() bool           { return false }
func (c *fakeClient) SupportsPingPong() bool { return true }

func testRuntimeConfig(t *testing.T, host string, port int) config.AppConfig {
	t.Helper()
	return config.AppConfig{
		Server: config.ServerConfig{Port: 0}, // ephemeral diagnostics port
		Endpoints: []config.EndpointConfig{
			{ID: "ccu-main", Kind: domain.KindXMLRPC, Host: host, Port: port, CheckTimeout: time.Second},
		},
		Breaker: resilience.BreakerConfig{
			FailureThreshold: 20, // keep the breaker out of this test
			RecoveryTimeout:  time.Minute,
			SuccessThreshold: 2,
		},
		Recovery: recovery.Config{
			InitialCooldown:     time.Millisecond,
			WarmupDelay:         time.Millisecond,
			TCPCheckTimeout:     time.Second,
			BaseRetryDelay:      5 * time.Millisecond,
			MaxRetryDelay:       20 * time.Millisecond,
			MaxRecoveryAttempts: 10,
			HeartbeatInterval:   time.Minute,
		},
		Watch: config.WatchConfig{Interval: 20 * time.Millisecond},
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRuntime_LossAndRecovery(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	port := l.Addr().(*net.TCPAddr).Port

	client := &fakeClient{host: "127.0.0.1", port: port, healthy: true}
	cfg := testRuntimeConfig(t, "127.0.0.1", port)

	rt, err := NewRuntime(cfg, Deps{
		Clients: staticProvider{"ccu-main": client},
	}, nil)
	if err != nil {
		t.Fatalf("NewRuntime failed: %v", err)
	}

	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.Stop(ctx)
	}()

	if s := rt.central.State(); s != domain.CentralRunning {
		t.Fatalf("expected central running after startup, got %s", s)
	}
	if s := rt.machines["ccu-main"].State(); s != domain.ClientConnected {
		t.Fatalf("expected client connected after startup, got %s", s)
	}

	// Take the endpoint down: the checker loop notices and triggers a
	// recovery, which keeps failing while the endpoint stays down.
	client.setHealthy(false)
	waitFor(t, "loss detection", func() bool {
		return rt.central.State() != domain.CentralRunning
	})

	// Bring it back: the next cycle completes and the runtime settles.
	client.setHealthy(true)
	waitFor(t, "recovery", func() bool {
		return rt.central.State() == domain.CentralRunning
	})
	waitFor(t, "client reconnect", func() bool {
		return rt.machines["ccu-main"].State() == domain.ClientConnected
	})
}

func TestRuntime_StopIsIdempotent(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	port := l.Addr().(*net.TCPAddr).Port

	client := &fakeClient{host: "127.0.0.1", port: port, healthy: true}
	rt, err := NewRuntime(testRuntimeConfig(t, "127.0.0.1", port), Deps{
		Clients: staticProvider{"ccu-main": client},
	}, nil)
	if err != nil {
		t.Fatalf("NewRuntime failed: %v", err)
	}
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ctx := context.Background()
	if err := rt.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := rt.Stop(ctx); err != nil {
		t.Fatalf("second Stop failed: %v", err)
	}

	if s := rt.central.State(); s != domain.CentralStopped {
		t.Errorf("expected central stopped, got %s", s)
	}
	if s := rt.machines["ccu-main"].State(); s != domain.ClientStopped {
		t.Errorf("expected client stopped, got %s", s)
	}
}

func TestRuntime_MissingClientFailsStart(t *testing.T) {
	cfg := testRuntimeConfig(t, "127.0.0.1", 12345)
	rt, err := NewRuntime(cfg, Deps{Clients: staticProvider{}}, nil)
	if err != nil {
		t.Fatalf("NewRuntime failed: %v", err)
	}
	if err := rt.Start(context.Background()); err == nil {
		t.Fatal("expected Start to fail without a client for the endpoint")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = rt.Stop(ctx)
}

type fakeTuning struct {
	host string
	tls  bool
}

func (f fakeTuning) Host() string                   { return f.host }
func (f fakeTuning) UseTLS() bool                   { return f.tls }
func (f fakeTuning) InitialCooldown() time.Duration { return 0 }
func (f fakeTuning) WarmupDelay() time.Duration     { return 0 }
func (f fakeTuning) TCPCheckTimeout() time.Duration { return 0 }

// Gateway tuning supplies the shared host and TLS defaults for probe
// clients; per-endpoint settings win.
func TestProbeProvider_TuningDefaults(t *testing.T) {
	eps := []config.EndpointConfig{
		{ID: "ccu-json", Kind: domain.KindJSONRPC, CheckTimeout: time.Second},
		{ID: "ccu-bidcos", Kind: domain.KindXMLRPC, Host: "10.0.0.2", Port: 2001, TLS: true, CheckTimeout: time.Second},
	}

	p := probeProvider(eps, fakeTuning{host: "ccu.local", tls: true})
	c, err := p.GetClient("ccu-json")
	if err != nil {
		t.Fatalf("GetClient failed: %v", err)
	}
	if c.Host() != "ccu.local" || !c.UseTLS() {
		t.Errorf("expected tuning defaults applied, got host=%s tls=%v", c.Host(), c.UseTLS())
	}
	c, err = p.GetClient("ccu-bidcos")
	if err != nil {
		t.Fatalf("GetClient failed: %v", err)
	}
	if c.Host() != "10.0.0.2" || !c.UseTLS() {
		t.Errorf("expected endpoint settings kept, got host=%s tls=%v", c.Host(), c.UseTLS())
	}

	p = probeProvider(eps[:1], nil)
	c, err = p.GetClient("ccu-json")
	if err != nil {
		t.Fatalf("GetClient failed: %v", err)
	}
	if c.UseTLS() {
		t.Error("expected plain tcp without tuning")
	}
}

// Probe clients back the default provider when no RPC layer is injected.
func TestRuntime_DefaultProbeProvider(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	port := l.Addr().(*net.TCPAddr).Port

	cfg := testRuntimeConfig(t, "127.0.0.1", port)
	rt, err := NewRuntime(cfg, Deps{}, nil)
	if err != nil {
		t.Fatalf("NewRuntime failed: %v", err)
	}

	c, err := rt.clients.GetClient("ccu-main")
	if err != nil {
		t.Fatalf("expected probe client, got error: %v", err)
	}
	if _, ok := c.(*gateway.ProbeClient); !ok {
		t.Errorf("expected *gateway.ProbeClient, got %T", c)
	}
}
