package gateway

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCheckTCP(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	port := l.Addr().(*net.TCPAddr).Port

	if err := CheckTCP(context.Background(), "127.0.0.1", port, false, time.Second); err != nil {
		t.Errorf("expected reachable listener, got %v", err)
	}
}

func TestCheckTCP_TLS(t *testing.T) {
	ts := httptest.NewTLSServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer ts.Close()
	port := ts.Listener.Addr().(*net.TCPAddr).Port

	// Self-signed server cert: the handshake must still complete.
	if err := CheckTCP(context.Background(), "127.0.0.1", port, true, time.Second); err != nil {
		t.Errorf("expected tls handshake to succeed, got %v", err)
	}
}

func TestCheckTCP_ClosedPort(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()

	if err := CheckTCP(context.Background(), "127.0.0.1", port, false, time.Second); err == nil {
		t.Error("expected error for closed port")
	}
}

func TestCheckTCP_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := CheckTCP(ctx, "127.0.0.1", 1, false, time.Second); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestProbeClient(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	port := l.Addr().(*net.TCPAddr).Port

	c := NewProbeClient("ep-1", "jsonrpc", "127.0.0.1", port, false, time.Second)
	ok, err := c.CheckConnectionAvailability(context.Background(), c.SupportsPingPong())
	if err != nil || !ok {
		t.Errorf("expected probe success, got ok=%v err=%v", ok, err)
	}
	if err := c.Reconnect(context.Background()); err != nil {
		t.Errorf("expected reconnect success, got %v", err)
	}
	if c.Host() != "127.0.0.1" || c.Port() != port {
		t.Errorf("unexpected address %s:%d", c.Host(), c.Port())
	}
}
