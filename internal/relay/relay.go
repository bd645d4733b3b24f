// Package relay is the server side of the tunnel (spec §4.9): it accepts
// one dedicated tunnel TCP connection per client TCP flow plus the
// client's single shared UDP-multiplex connection, dials a real upstream
// connection to the game server for each TCP flow's own connection, and
// rewrites the client's real address out of (and back into) whatever
// payload bytes cross in each direction so the game server never sees it.
package relay

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"paqet/internal/flog"
	"paqet/internal/flowtable"
	"paqet/internal/metrics"
	"paqet/internal/rewrite"
	"paqet/internal/tunnel"
)

var log = flog.Tag("relay")

const (
	// Supplemented from the original implementation: the relay keeps its
	// upstream TCP connections alive more aggressively than the client
	// tunnel connection, since the real game server may drop idle
	// sessions faster than a player would notice a tunnel heartbeat.
	upstreamKeepaliveIdle     = 60 * time.Second
	upstreamKeepaliveInterval = 10 * time.Second
	upstreamKeepaliveCount    = 3

	upstreamDialTimeout = 10 * time.Second

	// socketBufferSize mirrors the original implementation's throughput
	// fix: undersized socket buffers caused drops under load at the
	// default OS settings.
	socketBufferSize = 256 * 1024
)

// Config configures one relay dispatcher instance.
type Config struct {
	ListenAddr   string
	UpstreamAddr string // real TCP game server address

	// RelayPublicIP is substituted for the client's real address in
	// payload bytes crossing toward the upstream game server, and
	// substituted back on the way to the client (spec §4.2).
	RelayPublicIP net.IP

	// ProxyLocalIP, when set, is the local address the relay binds when
	// dialing upstream; useful on multi-homed relays where the route to
	// the game server must go out a specific interface.
	ProxyLocalIP net.IP

	// Metrics is optional; a nil Registry disables instrumentation.
	Metrics *metrics.Registry
}

// Dispatcher accepts tunnel connections and relays TCP flows. Each
// accepted connection carries exactly one client TCP flow (or is the
// client's shared UDP-multiplex connection, or a disposable liveness
// probe), so no shared per-ConnectionId flow table is needed on this side
// any more: serveTCPFlow owns its connection's whole lifetime.
type Dispatcher struct {
	cfg atomic.Pointer[Config]
	udp *UDPEngine
}

// NewDispatcher builds a Dispatcher; call Run to start accepting.
func NewDispatcher(cfg Config, udp *UDPEngine) *Dispatcher {
	d := &Dispatcher{udp: udp}
	d.cfg.Store(&cfg)
	return d
}

// config returns the currently active configuration.
func (d *Dispatcher) config() Config {
	return *d.cfg.Load()
}

// Reload swaps in a new configuration, picked up by the next dial/forward
// on each TCP flow: flows already in flight apply a new RelayPublicIP from
// their next forwarded chunk on. The UDPEngine keeps the addresses it was
// built with. ListenAddr changes do not
// take effect until the process is restarted, since Run already bound the
// old one.
func (d *Dispatcher) Reload(cfg Config) {
	d.cfg.Store(&cfg)
	log.Infof("configuration reloaded (upstream=%s relay_public_ip=%s)", cfg.UpstreamAddr, cfg.RelayPublicIP)
}

// Run accepts tunnel connections until ctx is canceled. The relay only
// expects one diverter at a time per listen address, but nothing here
// prevents serving several concurrently.
func (d *Dispatcher) Run(ctx context.Context) error {
	listenAddr := d.config().ListenAddr
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("relay: failed to listen on %s: %w", listenAddr, err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	log.Infof("listening for tunnel connections on %s", listenAddr)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warnf("accept failed: %v", err)
			continue
		}
		go d.serveTunnel(ctx, conn)
	}
}

// serveTunnel reads the 6-byte handshake that opens every fresh
// connection and dispatches on what it asked for: a disposable liveness
// probe, the client's single shared UDP-multiplex session, or one
// dedicated TCP flow (spec §4.7/§4.9).
func (d *Dispatcher) serveTunnel(ctx context.Context, conn net.Conn) {
	connID, dstPort, err := tunnel.ReadHandshake(conn)
	if err != nil {
		log.Warnf("handshake read from %s failed: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}

	clientIP, err := remoteIPv4(conn)
	if err != nil {
		log.Warnf("rejecting tunnel connection from %s: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}

	switch {
	case connID == tunnel.LivenessConnID && dstPort == tunnel.LivenessPort:
		log.Debugf("liveness probe from %s", conn.RemoteAddr())
		conn.Close()
	case connID == flowtable.BootstrapConnectionId && dstPort == tunnel.BootstrapPort:
		// The bootstrap handshake is followed by the client's own IPv4
		// address as four raw bytes; that address, not the peer address,
		// is the one rewritten in this session's UDP payloads.
		var udpClientIP [4]byte
		if _, err := io.ReadFull(conn, udpClientIP[:]); err != nil {
			log.Warnf("UDP bootstrap address read from %s failed: %v", conn.RemoteAddr(), err)
			conn.Close()
			return
		}
		log.Infof("UDP-multiplex session established with %s", conn.RemoteAddr())
		d.udp.Serve(ctx, conn, udpClientIP)
	default:
		d.serveTCPFlow(ctx, conn, clientIP, connID, dstPort)
	}
}

// serveTCPFlow owns one client TCP flow's dedicated tunnel connection end
// to end: it dials the real game server once, then pumps bytes in both
// directions, rewriting the client's real address out of and back into
// payload bytes, until either side closes.
func (d *Dispatcher) serveTCPFlow(ctx context.Context, conn net.Conn, clientIP [4]byte, connID flowtable.ConnectionId, dstPort uint16) {
	defer conn.Close()
	cfg := d.config()

	upstream, err := d.dialUpstream(dstPort)
	if err != nil {
		log.Warnf("failed to dial upstream for connection %d (port %d): %v", connID, dstPort, err)
		if cfg.Metrics != nil {
			cfg.Metrics.UpstreamDials.WithLabelValues("error").Inc()
		}
		return
	}
	defer upstream.Close()
	if cfg.Metrics != nil {
		cfg.Metrics.UpstreamDials.WithLabelValues("ok").Inc()
		cfg.Metrics.ActiveTCPFlows.Inc()
		defer cfg.Metrics.ActiveTCPFlows.Dec()
	}

	go func() {
		// Closing conn when the upstream side ends unblocks the blocking
		// ReadFrame below, since an idle client may never send anything
		// else on its own.
		d.upstreamReadLoop(conn, clientIP, connID, upstream)
		conn.Close()
	}()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		frame, release, err := tunnel.ReadFrame(conn)
		if err != nil {
			log.Debugf("tunnel connection for %d closed: %v", connID, err)
			return
		}
		if frame.Type == tunnel.MsgTCPPayload && len(frame.Payload) > 0 {
			cfg := d.config()
			rewritten := frame.Payload
			rewrite.IPv4Both(rewritten, clientIP, relayIPBytes(cfg.RelayPublicIP))
			if _, err := upstream.Write(rewritten); err != nil {
				log.Warnf("write to upstream failed for connection %d: %v", connID, err)
				release()
				return
			}
			if cfg.Metrics != nil {
				cfg.Metrics.BytesForwarded.WithLabelValues("tcp", "upstream").Add(float64(len(rewritten)))
			}
		}
		release()
	}
}

func (d *Dispatcher) upstreamReadLoop(tunConn net.Conn, clientIP [4]byte, connID flowtable.ConnectionId, upstream net.Conn) {
	buf := make([]byte, 64*1024)
	for {
		n, err := upstream.Read(buf)
		if n > 0 {
			cfg := d.config()
			payload := buf[:n]
			rewrite.IPv4Both(payload, relayIPBytes(cfg.RelayPublicIP), clientIP)
			if werr := tunnel.WriteTCP(tunConn, connID, payload); werr != nil {
				log.Warnf("failed to forward upstream data for connection %d: %v", connID, werr)
				return
			}
			if cfg.Metrics != nil {
				cfg.Metrics.BytesForwarded.WithLabelValues("tcp", "downstream").Add(float64(len(payload)))
			}
		}
		if err != nil {
			log.Debugf("upstream connection %d closed: %v", connID, err)
			return
		}
	}
}

// dialUpstream connects to the real game server on dstPort, which is
// this flow's own destination port carried in its tunnel handshake
// rather than one globally configured port, since the relay serves every
// client-chosen port on the same upstream host (spec §4.9).
func (d *Dispatcher) dialUpstream(dstPort uint16) (net.Conn, error) {
	cfg := d.config()
	host, _, err := net.SplitHostPort(cfg.UpstreamAddr)
	if err != nil {
		return nil, fmt.Errorf("relay: invalid upstream address %q: %w", cfg.UpstreamAddr, err)
	}
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", dstPort))

	dialer := net.Dialer{Timeout: upstreamDialTimeout}
	if cfg.ProxyLocalIP != nil {
		dialer.LocalAddr = &net.TCPAddr{IP: cfg.ProxyLocalIP}
	}
	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
		tc.SetKeepAliveConfig(net.KeepAliveConfig{
			Enable:   true,
			Idle:     upstreamKeepaliveIdle,
			Interval: upstreamKeepaliveInterval,
			Count:    upstreamKeepaliveCount,
		})
		tc.SetReadBuffer(socketBufferSize)
		tc.SetWriteBuffer(socketBufferSize)
	}
	return conn, nil
}

func remoteIPv4(conn net.Conn) ([4]byte, error) {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return [4]byte{}, err
	}
	ip := net.ParseIP(host)
	v4 := ip.To4()
	if v4 == nil {
		return [4]byte{}, fmt.Errorf("relay: tunnel peer %s has no IPv4 address", host)
	}
	return [4]byte{v4[0], v4[1], v4[2], v4[3]}, nil
}

func relayIPBytes(ip net.IP) [4]byte {
	v4 := ip.To4()
	if v4 == nil {
		return [4]byte{}
	}
	return [4]byte{v4[0], v4[1], v4[2], v4[3]}
}
