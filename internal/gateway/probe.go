package gateway

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"
)

// CheckTCP opens and immediately closes a connection to host:port. It is
// the cheapest possible reachability signal and runs before any
// RPC-level check in the recovery pipeline. With useTLS the check also
// completes a handshake; endpoint certificates are typically
// self-signed, so the probe verifies reachability, not identity.
func CheckTCP(ctx context.Context, host string, port int, useTLS bool, timeout time.Duration) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	var conn net.Conn
	var err error
	if useTLS {
		d := tls.Dialer{
			NetDialer: &net.Dialer{Timeout: timeout},
			Config:    &tls.Config{InsecureSkipVerify: true},
		}
		conn, err = d.DialContext(ctx, "tcp", addr)
	} else {
		d := net.Dialer{Timeout: timeout}
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("tcp check %s: %w", addr, err)
	}
	_ = conn.Close()
	return nil
}
