// Package tunnelconn owns the single TCP connection a client diverter
// keeps open to the relay (spec §4.6): dialing across a list of candidate
// addresses, OS-level keepalive tuning, the handshake-only read deadline,
// and a reconnect supervisor modeled on the teacher's timedConn/ticker
// pattern.
package tunnelconn

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"paqet/internal/flog"
	"paqet/internal/tunnel"
)

const (
	// KeepaliveIdle/Interval are the OS-level TCP keepalive parameters for
	// the client's tunnel connection (spec §4.6).
	KeepaliveIdle     = 30 * time.Second
	KeepaliveInterval = 5 * time.Second
	keepaliveCount    = 4

	// HandshakeTimeout bounds the initial send/receive of the tunnel
	// handshake; it is cleared once the handshake succeeds so long-lived
	// idle periods afterward don't trip a read deadline.
	HandshakeTimeout = 5 * time.Second

	maxReconnectAttempts = 5
	reconnectSpacing     = 3 * time.Second
)

// Conn wraps the dialed *net.TCPConn with the mutex-guarded swap a
// reconnect needs: readers/writers always go through Conn.Current(), which
// blocks only long enough to copy the pointer.
type Conn struct {
	addrs []string

	mu      sync.Mutex
	current net.Conn
}

// Dial tries each address in order and returns the first live connection,
// tuned with TCP_NODELAY and OS keepalive per spec §4.6.
func Dial(ctx context.Context, addrs []string) (net.Conn, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("tunnelconn: no relay addresses configured")
	}

	var lastErr error
	var d net.Dialer
	for _, addr := range addrs {
		dctx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
		conn, err := d.DialContext(dctx, "tcp", addr)
		cancel()
		if err != nil {
			lastErr = err
			flog.Debugf("tunnelconn: dial %s failed: %v", addr, err)
			continue
		}
		if err := tune(conn); err != nil {
			conn.Close()
			lastErr = err
			continue
		}
		flog.Infof("tunnelconn: connected to relay at %s", addr)
		return conn, nil
	}
	return nil, fmt.Errorf("tunnelconn: failed to reach any relay address: %w", lastErr)
}

func tune(conn net.Conn) error {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	if err := tc.SetNoDelay(true); err != nil {
		return fmt.Errorf("tunnelconn: SetNoDelay: %w", err)
	}
	if err := tc.SetKeepAliveConfig(net.KeepAliveConfig{
		Enable:   true,
		Idle:     KeepaliveIdle,
		Interval: KeepaliveInterval,
		Count:    keepaliveCount,
	}); err != nil {
		return fmt.Errorf("tunnelconn: SetKeepAliveConfig: %w", err)
	}
	return nil
}

// New creates a Conn already holding an established connection to one of
// addrs.
func New(ctx context.Context, addrs []string) (*Conn, error) {
	conn, err := Dial(ctx, addrs)
	if err != nil {
		return nil, err
	}
	return &Conn{addrs: addrs, current: conn}, nil
}

// Current returns the live underlying connection.
func (c *Conn) Current() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Write implements io.Writer against the current underlying connection,
// the interface tunnel.Write* helpers expect.
func (c *Conn) Write(p []byte) (int, error) {
	return c.Current().Write(p)
}

// Reconnect replaces the underlying connection, trying up to
// maxReconnectAttempts times spaced reconnectSpacing apart (spec §4.6). It
// gives up and returns an error if ctx is canceled first.
func (c *Conn) Reconnect(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		conn, err := Dial(ctx, c.addrs)
		if err == nil {
			c.mu.Lock()
			if c.current != nil {
				c.current.Close()
			}
			c.current = conn
			c.mu.Unlock()
			flog.Infof("tunnelconn: reconnected to relay (attempt %d/%d)", attempt, maxReconnectAttempts)
			return nil
		}
		lastErr = err
		flog.Warnf("tunnelconn: reconnect attempt %d/%d failed: %v", attempt, maxReconnectAttempts, err)

		if attempt == maxReconnectAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectSpacing):
		}
	}
	return fmt.Errorf("tunnelconn: exhausted %d reconnect attempts: %w", maxReconnectAttempts, lastErr)
}

// Close closes the current underlying connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	return c.current.Close()
}

// HandshakeDeadline sets a read/write deadline for the initial per-flow
// handshake; ClearDeadline removes it once the handshake has completed so
// a quiet flow isn't mistaken for a dead one.
func HandshakeDeadline(conn net.Conn) error {
	return conn.SetDeadline(time.Now().Add(HandshakeTimeout))
}

func ClearDeadline(conn net.Conn) error {
	return conn.SetDeadline(time.Time{})
}

// Probe opens its own short-lived connection to one of addrs and writes the
// liveness handshake (spec §4.7: the relay may close it immediately after
// reading it), rather than sending anything over the shared tunnel
// connection the health-check ticker is itself watching.
func Probe(ctx context.Context, addrs []string) error {
	conn, err := Dial(ctx, addrs)
	if err != nil {
		return fmt.Errorf("tunnelconn: probe dial failed: %w", err)
	}
	defer conn.Close()

	if err := HandshakeDeadline(conn); err != nil {
		return err
	}
	return tunnel.WriteHandshake(conn, tunnel.LivenessConnID, tunnel.LivenessPort)
}
