// Package tcpflow synthesizes the game-server side of a single TCP
// connection entirely on the client machine (spec §4.4). The diverter never
// lets the client's SYN reach the real server; instead a Flow answers it
// locally with a fixed initial sequence number, dials its own dedicated
// tunnel connection to the relay, relays whatever the client sends over
// that connection, and turns whatever comes back into TCP segments
// injected as if the real server had sent them.
package tcpflow

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"paqet/internal/flog"
	"paqet/internal/flowtable"
	"paqet/internal/ippkt"
	"paqet/internal/tunnel"
)

var log = flog.Tag("tcpflow")

// InitialServerSeq is the fixed ISN every synthesized server uses. A real
// server would randomize this; a fixed value is fine here because the
// sequence space is never shared with anything outside this one flow, and
// it makes flows reproducible in tests.
const InitialServerSeq uint32 = 12345

// AdvertisedWindow is the receive window this flow always advertises to
// the client. Spec §4.4 does not require window scaling, so a single fixed
// value well above typical game-protocol segment sizes is enough.
const AdvertisedWindow uint16 = 65535

// maxSegment caps a single outbound TCP segment's payload. TCP
// options/fragmentation are explicitly out of scope (spec §1 non-goals),
// so this is a plain byte-count cap rather than a real MSS negotiation.
const maxSegment = 1400

// finDrainTimeout bounds how long OnFin waits for buffered outbound bytes
// to drain before half-closing the tunnel connection (spec §4.4).
const finDrainTimeout = 5 * time.Second

// windowProbeInterval and windowZeroWarnAfter govern the zero-window
// probing policy (spec §4.4): roughly one 1-byte probe per second while
// the client's window stays at zero, and a one-time warning once that has
// gone on for windowZeroWarnAfter. They are vars, not consts, so tests can
// shrink them instead of sleeping for a full second.
var (
	windowProbeInterval = time.Second
	windowZeroWarnAfter = 30 * time.Second
)

// PacketInjector is the narrow surface Flow needs from the capture layer:
// just the ability to push a fully-built IP datagram onto the wire.
type PacketInjector interface {
	WritePacket(ipPacket []byte, isIPv6 bool) error
}

// Dialer opens this flow's dedicated tunnel connection to the relay. The
// diverter supplies a closure over tunnelconn.Dial in production; tests
// can supply one end of a net.Pipe instead.
type Dialer func() (io.ReadWriteCloser, error)

// Disconnect classifies why the tunnel reader stopped delivering data for
// a flow, so callers can decide whether to tear the flow down or merely
// wait for a reconnect.
type Disconnect int

const (
	DisconnectNone Disconnect = iota
	DisconnectTimeout
	DisconnectReset
	DisconnectEOF
)

// Flow is one synthesized TCP connection, with its own dedicated tunnel
// connection to the relay (spec §2/§3: one tunnel socket per TCP flow).
// All exported methods are safe for concurrent use; the diverter calls
// OnSyn/OnData/OnAck/OnFin from the capture read loop, and Flow's own
// readLoop goroutine (started by OnSyn) delivers tunnel frames.
type Flow struct {
	Key    flowtable.FlowKey
	ConnID flowtable.ConnectionId

	gameServerIP net.IP
	clientIP     net.IP
	isIPv6       bool

	dial     Dialer
	inject   PacketInjector
	onClosed func()

	mu               sync.Mutex
	tunConn          io.ReadWriteCloser
	serverSeq        uint32 // next sequence number this flow's synthesized server will send
	serverAck        uint32 // next sequence number expected from the client
	clientAckedSeq   uint32 // highest server-side seq the client has acknowledged
	clientWindow     uint32 // client's last advertised receive window
	ipID             uint16
	established      bool
	closing          bool // OnFin has run; probing is suppressed
	finSent          bool
	finAcked         bool
	closed           bool
	outbound         []byte // tunnel data waiting for client window to open
	lastClientActive time.Time
	lastHeartbeat    time.Time
	windowZeroStart  time.Time
	lastWindowProbe  time.Time
	windowZeroWarned bool

	stopCh chan struct{}
}

// New creates a Flow in the pre-SYN state; OnSyn must be called before any
// other method.
func New(key flowtable.FlowKey, connID flowtable.ConnectionId, gameServerIP, clientIP net.IP, isIPv6 bool, dial Dialer, inject PacketInjector, onClosed func()) *Flow {
	return &Flow{
		Key:          key,
		ConnID:       connID,
		gameServerIP: gameServerIP,
		clientIP:     clientIP,
		isIPv6:       isIPv6,
		dial:         dial,
		inject:       inject,
		onClosed:     onClosed,
		stopCh:       make(chan struct{}),
	}
}

// OnSyn opens this flow's dedicated tunnel connection, writes the 6-byte
// tunnel handshake, and answers the client's opening SYN with a
// synthesized SYN-ACK using InitialServerSeq, without ever touching the
// real game server (spec §4.4).
func (f *Flow) OnSyn(clientSeq uint32, clientWindow uint16) error {
	conn, err := f.dial()
	if err != nil {
		return fmt.Errorf("tcpflow: dial failed for %v: %w", f.Key, err)
	}
	if err := tunnel.WriteHandshake(conn, f.ConnID, f.Key.DstPort); err != nil {
		conn.Close()
		return fmt.Errorf("tcpflow: handshake failed for %v: %w", f.Key, err)
	}

	f.mu.Lock()
	f.tunConn = conn
	f.serverAck = clientSeq + 1
	f.clientWindow = uint32(clientWindow)
	f.lastClientActive = time.Now()
	seq := InitialServerSeq
	ack := f.serverAck
	f.serverSeq = InitialServerSeq + 1
	// Only the SYN-ACK's own sequence number is unacknowledged so far.
	f.clientAckedSeq = InitialServerSeq
	f.mu.Unlock()

	if err := f.sendSegment(ippkt.TCPFields{
		SrcPort: f.Key.DstPort,
		DstPort: f.Key.SrcPort,
		Seq:     seq,
		Ack:     ack,
		SYN:     true,
		ACK:     true,
		Window:  AdvertisedWindow,
	}, nil); err != nil {
		return err
	}

	go f.readLoop()
	go f.probeLoop()
	return nil
}

// readLoop is this flow's dedicated reader over its own tunnel connection
// (spec §5: "each TcpFlow owns one thread that reads the tunnel").
func (f *Flow) readLoop() {
	for {
		frame, release, err := tunnel.ReadFrame(f.currentConn())
		if err != nil {
			f.HandleDisconnect(err)
			f.Close()
			if f.onClosed != nil {
				f.onClosed()
			}
			return
		}

		switch frame.Type {
		case tunnel.MsgTCPPayload:
			if frame.ConnID != f.ConnID {
				log.Warnf("tcpflow: frame for connection %d arrived on %v's dedicated stream (want %d), dropping", frame.ConnID, f.Key, f.ConnID)
				break
			}
			if err := f.Deliver(frame.Payload); err != nil {
				log.Warnf("delivering payload for %v: %v", f.Key, err)
			}
		case tunnel.MsgHeartbeat:
			// Keepalive echo; nothing to do.
		}
		release()
	}
}

func (f *Flow) currentConn() io.ReadWriteCloser {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tunConn
}

// OnAck processes a pure acknowledgement (or the ACK segment of a
// handshake) from the client, advancing clientAckedSeq and releasing any
// outbound bytes it covers.
func (f *Flow) OnAck(ack uint32, window uint16) {
	f.mu.Lock()
	f.updateClientAcked(ack)
	f.clientWindow = uint32(window)
	f.lastClientActive = time.Now()
	if !f.established && ack == f.serverSeq {
		f.established = true
	}
	if f.finSent && ack == f.serverSeq {
		f.finAcked = true
	}
	f.mu.Unlock()

	if err := f.drain(); err != nil {
		log.Warnf("drain after ACK failed for %v: %v", f.Key, err)
	}
}

// updateClientAcked advances clientAckedSeq monotonically; f.mu must be
// held by the caller.
func (f *Flow) updateClientAcked(ack uint32) {
	if ack > f.clientAckedSeq {
		f.clientAckedSeq = ack
	}
}

// OnData accepts a data segment from the client, updates clientAckedSeq
// from its piggybacked ack field (spec §4.4), forwards its payload to the
// relay over this flow's own tunnel connection, then acknowledges it
// immediately (this flow never delays or coalesces ACKs).
func (f *Flow) OnData(seq, ack uint32, payload []byte, window uint16) error {
	f.mu.Lock()
	if seq != f.serverAck {
		f.mu.Unlock()
		return fmt.Errorf("tcpflow: out-of-order segment for %v: got seq %d, want %d", f.Key, seq, f.serverAck)
	}
	f.serverAck += uint32(len(payload))
	f.updateClientAcked(ack)
	f.clientWindow = uint32(window)
	f.lastClientActive = time.Now()
	conn := f.tunConn
	ackSeq := f.serverSeq
	ackNum := f.serverAck
	f.mu.Unlock()

	if len(payload) > 0 {
		if conn == nil {
			return fmt.Errorf("tcpflow: no tunnel connection for %v", f.Key)
		}
		if err := tunnel.WriteTCP(conn, f.ConnID, payload); err != nil {
			return fmt.Errorf("tcpflow: failed to forward payload for %v: %w", f.Key, err)
		}
	}

	return f.sendSegment(ippkt.TCPFields{
		SrcPort: f.Key.DstPort,
		DstPort: f.Key.SrcPort,
		Seq:     ackSeq,
		Ack:     ackNum,
		ACK:     true,
		Window:  AdvertisedWindow,
	}, nil)
}

// OnFin marks the flow closing (suppressing further zero-window probes),
// waits up to finDrainTimeout for the outbound buffer to drain, half-closes
// the tunnel connection's send side, and emits a single FIN+ACK segment
// acknowledging the client's FIN (spec §4.4).
func (f *Flow) OnFin(seq uint32) error {
	f.mu.Lock()
	if f.closing {
		f.mu.Unlock()
		return nil
	}
	f.closing = true
	f.serverAck = seq + 1
	f.mu.Unlock()

	f.waitDrain(finDrainTimeout)

	f.mu.Lock()
	conn := f.tunConn
	segSeq := f.serverSeq
	segAck := f.serverAck
	f.serverSeq++
	f.finSent = true
	f.mu.Unlock()

	if hc, ok := conn.(interface{ CloseWrite() error }); ok {
		if err := hc.CloseWrite(); err != nil {
			log.Debugf("half-close of tunnel connection for %v failed: %v", f.Key, err)
		}
	}

	return f.sendSegment(ippkt.TCPFields{
		SrcPort: f.Key.DstPort,
		DstPort: f.Key.SrcPort,
		Seq:     segSeq,
		Ack:     segAck,
		FIN:     true,
		ACK:     true,
		Window:  AdvertisedWindow,
	}, nil)
}

// waitDrain blocks, polling drain, until the outbound buffer empties or
// timeout elapses.
func (f *Flow) waitDrain(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		empty := len(f.outbound) == 0
		f.mu.Unlock()
		if empty {
			return
		}
		if err := f.drain(); err != nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// Deliver is called by this flow's readLoop with payload bytes the relay
// forwarded from the real game server. It is appended to the outbound
// buffer and drained as far as the client's advertised window allows.
func (f *Flow) Deliver(payload []byte) error {
	f.mu.Lock()
	f.outbound = append(f.outbound, payload...)
	f.mu.Unlock()

	return f.drain()
}

// drain sends as much of the buffered outbound data as the client's
// window currently allows, advancing serverSeq as bytes go out. When the
// window is at zero and data remains buffered, it instead emits a 1-byte
// PSH|ACK probe at most once per windowProbeInterval, without advancing
// serverSeq, and logs a one-time warning once the window has stayed at
// zero for windowZeroWarnAfter (spec §4.4).
func (f *Flow) drain() error {
	for {
		f.mu.Lock()
		if f.closed || len(f.outbound) == 0 {
			f.mu.Unlock()
			return nil
		}
		inFlight := f.serverSeq - f.clientAckedSeq
		available := int64(f.clientWindow) - int64(inFlight)
		if available <= 0 {
			if f.closing {
				f.mu.Unlock()
				return nil
			}
			now := time.Now()
			if f.windowZeroStart.IsZero() {
				f.windowZeroStart = now
			}
			if now.Sub(f.lastWindowProbe) < windowProbeInterval {
				f.mu.Unlock()
				return nil
			}
			f.lastWindowProbe = now
			probeByte := f.outbound[0]
			seq, ack := f.serverSeq, f.serverAck
			zeroFor := now.Sub(f.windowZeroStart)
			warn := zeroFor >= windowZeroWarnAfter && !f.windowZeroWarned
			if warn {
				f.windowZeroWarned = true
			}
			f.mu.Unlock()

			if warn {
				log.Warnf("zero window for %v has lasted %s, still probing", f.Key, zeroFor.Round(time.Second))
			}
			return f.sendSegment(ippkt.TCPFields{
				SrcPort: f.Key.DstPort,
				DstPort: f.Key.SrcPort,
				Seq:     seq,
				Ack:     ack,
				PSH:     true,
				ACK:     true,
				Window:  AdvertisedWindow,
			}, []byte{probeByte})
		}

		f.windowZeroStart = time.Time{}
		f.windowZeroWarned = false

		chunk := f.outbound
		if int64(len(chunk)) > available {
			chunk = chunk[:available]
		}
		if len(chunk) > maxSegment {
			chunk = chunk[:maxSegment]
		}

		seq := f.serverSeq
		ack := f.serverAck
		f.serverSeq += uint32(len(chunk))
		f.outbound = f.outbound[len(chunk):]
		f.mu.Unlock()

		if err := f.sendSegment(ippkt.TCPFields{
			SrcPort: f.Key.DstPort,
			DstPort: f.Key.SrcPort,
			Seq:     seq,
			Ack:     ack,
			ACK:     true,
			Window:  AdvertisedWindow,
		}, chunk); err != nil {
			return err
		}
	}
}

// probeLoop ticks faster than windowProbeInterval so drain's own internal
// gate is what actually paces probes to "roughly once per second"; this
// just makes sure drain gets called again while no other event (ACK,
// Deliver) would otherwise trigger it.
func (f *Flow) probeLoop() {
	ticker := time.NewTicker(windowProbeInterval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			f.mu.Lock()
			pending := len(f.outbound) > 0 && !f.closed
			f.mu.Unlock()
			if !pending {
				continue
			}
			if err := f.drain(); err != nil {
				return
			}
		}
	}
}

// Heartbeat sends a tunnel keepalive if one hasn't gone out recently. The
// diverter's flow-sweep loop calls this on a fixed tick.
func (f *Flow) Heartbeat(interval time.Duration) error {
	f.mu.Lock()
	due := time.Since(f.lastHeartbeat) >= interval
	conn := f.tunConn
	if due {
		f.lastHeartbeat = time.Now()
	}
	f.mu.Unlock()
	if !due || conn == nil {
		return nil
	}
	return tunnel.WriteHeartbeat(conn, f.ConnID)
}

// HandleDisconnect classifies a tunnel read failure and logs it.
func (f *Flow) HandleDisconnect(err error) Disconnect {
	var kind Disconnect
	switch {
	case err == io.EOF:
		kind = DisconnectEOF
	case isTimeout(err):
		kind = DisconnectTimeout
	default:
		kind = DisconnectReset
	}
	log.Warnf("tunnel disconnect for %v (conn %d): %v [%v]", f.Key, f.ConnID, err, kind)
	return kind
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	te, ok := err.(timeouter)
	return ok && te.Timeout()
}

// Idle reports whether no segment has been seen from the client for at
// least d, the signal the diverter's reaper uses to drop long-dead flows.
func (f *Flow) Idle(d time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return time.Since(f.lastClientActive) >= d
}

// Closed reports whether both sides have finished the close handshake, or
// the flow was torn down outright (tunnel loss, collision, reaping).
func (f *Flow) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed || (f.finSent && f.finAcked)
}

// Close tears this flow down unconditionally: it stops the probe loop and
// closes the dedicated tunnel connection, which in turn unblocks readLoop.
// It is idempotent and safe to call from the diverter (flow-key collision,
// idle reaping) as well as from the flow's own readLoop on disconnect.
func (f *Flow) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	conn := f.tunConn
	f.mu.Unlock()

	close(f.stopCh)
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (f *Flow) sendSegment(fields ippkt.TCPFields, payload []byte) error {
	f.mu.Lock()
	fields.IPID = f.ipID
	f.ipID++
	f.mu.Unlock()

	data, err := ippkt.BuildTCP(f.gameServerIP, f.clientIP, fields, payload)
	if err != nil {
		return fmt.Errorf("tcpflow: failed to build segment for %v: %w", f.Key, err)
	}
	if err := f.inject.WritePacket(data, f.isIPv6); err != nil {
		return fmt.Errorf("tcpflow: failed to inject segment for %v: %w", f.Key, err)
	}
	return nil
}
