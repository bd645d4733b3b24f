// Package udpflow synthesizes UDP replies on the client in the same spirit
// as tcpflow does for TCP (spec §4.5): every UDP datagram the game client
// sends to the real server is instead handed to the relay over the tunnel,
// tagged with a locally-allocated ConnectionId, and whatever the relay
// sends back is injected as if it came from the game server directly.
//
// Unlike TCP there is no per-flow handshake to synthesize; state only
// needs to track which local (src_ip, src_port, dst_ip, dst_port) tuple a
// ConnectionId belongs to so a reply can be addressed back to the right
// client socket. All UDP flows share the one tunnel connection this
// engine bootstraps on first use (spec §4.5), rather than each dialing
// its own as tcpflow's flows do.
package udpflow

import (
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"paqet/internal/flog"
	"paqet/internal/flowtable"
	"paqet/internal/ippkt"
	"paqet/internal/tunnel"
)

var log = flog.Tag("udpflow")

// firstConnID is where client-allocated UDP ConnectionIds start; it is
// kept well clear of flowtable.BootstrapConnectionId.
const firstConnID = 100000

// Key identifies one UDP "flow": a burst of datagrams between a specific
// client socket and a specific remote address. UDP has no handshake, so a
// flow exists purely as an entry in this package's tables.
type Key struct {
	SrcIP   netip.Addr
	SrcPort uint16
	DstIP   netip.Addr
	DstPort uint16
}

// state is the per-flow bookkeeping the engine keeps; it has no exported
// surface, callers only ever see a ConnectionId.
type state struct {
	key      Key
	connID   flowtable.ConnectionId
	isIPv6   bool
	lastSeen atomic.Int64 // unix nanos
}

// PacketInjector is the same narrow capture surface tcpflow.PacketInjector
// exposes.
type PacketInjector interface {
	WritePacket(ipPacket []byte, isIPv6 bool) error
}

// Engine is the client-side UDP flow table: it allocates ConnectionIds for
// new flows, forwards outbound payloads over the tunnel, and demultiplexes
// inbound tunnel frames back onto the right client socket.
type Engine struct {
	gameServerIP   net.IP
	gameServerIPv6 net.IP
	tunWriter      io.Writer
	inject         PacketInjector

	nextID   atomic.Uint32
	byKey    *flowtable.Table[Key, *state]
	byConnID *flowtable.Table[flowtable.ConnectionId, *state]

	bootstrapMu   sync.Mutex
	firstClientIP net.IP
	bootstrapped  bool
}

// NewEngine creates an Engine for one client diverter. tunWriter is the
// shared UDP-multiplex tunnel connection's writer side; it must be safe
// for concurrent use (frames from independent flows may be written from
// different goroutines).
func NewEngine(gameServerIP, gameServerIPv6 net.IP, tunWriter io.Writer, inject PacketInjector) *Engine {
	e := &Engine{
		gameServerIP:   gameServerIP,
		gameServerIPv6: gameServerIPv6,
		tunWriter:      tunWriter,
		inject:         inject,
		byKey:          flowtable.New[Key, *state](),
		byConnID:       flowtable.New[flowtable.ConnectionId, *state](),
	}
	e.nextID.Store(firstConnID)
	return e
}

// Bootstrap (re-)sends the one-time UDP-capability handshake the relay
// expects before it accepts any MsgUDPPayload frames (spec §4.5):
// ConnectionId 0xFFFFFFFF with the fixed port 10011, followed by the
// client's own real IPv4 address. Before any client UDP traffic has been
// observed, the real address isn't known yet, so this is a no-op; the
// handshake is instead sent lazily the first time SendFromClient runs.
// Called again after a tunnel reconnect to re-register with the new
// connection once the address is already known.
func (e *Engine) Bootstrap() error {
	e.bootstrapMu.Lock()
	defer e.bootstrapMu.Unlock()
	if e.firstClientIP == nil {
		return nil
	}
	return e.sendBootstrapLocked()
}

func (e *Engine) ensureBootstrapped(clientIP net.IP) error {
	e.bootstrapMu.Lock()
	defer e.bootstrapMu.Unlock()
	if e.bootstrapped {
		return nil
	}
	e.firstClientIP = clientIP
	return e.sendBootstrapLocked()
}

func (e *Engine) sendBootstrapLocked() error {
	v4 := e.firstClientIP.To4()
	if v4 == nil {
		return fmt.Errorf("udpflow: client address %s is not IPv4", e.firstClientIP)
	}
	var ip [4]byte
	copy(ip[:], v4)
	if err := tunnel.WriteUDPBootstrapHandshake(e.tunWriter, ip); err != nil {
		return fmt.Errorf("udpflow: bootstrap handshake failed: %w", err)
	}
	e.bootstrapped = true
	return nil
}

// SendFromClient forwards one datagram the game client sent toward key.
// It allocates a new ConnectionId the first time key is seen, and
// bootstraps the UDP-multiplex session on the very first datagram ever
// seen from this client.
func (e *Engine) SendFromClient(key Key, isIPv6 bool, payload []byte) error {
	if err := e.ensureBootstrapped(net.IP(key.SrcIP.AsSlice())); err != nil {
		log.Warnf("UDP bootstrap handshake failed, forwarding anyway: %v", err)
	}

	st := e.byKey.GetOrInsert(key, func() *state {
		// Add returns the post-increment value; subtract 1 to get this
		// flow's own id while leaving nextID pointing at the next free one.
		id := flowtable.ConnectionId(e.nextID.Add(1) - 1)
		s := &state{key: key, connID: id, isIPv6: isIPv6}
		e.byConnID.Put(id, s)
		return s
	})
	st.lastSeen.Store(time.Now().UnixNano())

	return tunnel.WriteUDP(e.tunWriter, st.connID, key.SrcPort, key.DstPort, payload)
}

// Deliver is called by the tunnel demux loop with a payload the relay
// forwarded back for connID. It rebuilds a UDP datagram as if it came
// from the real game server and injects it toward the client.
//
// A frame tagged with flowtable.BootstrapConnectionId carries a datagram
// the relay couldn't yet attribute to a registered flow (typically the
// game server's very first, unsolicited reply); it is re-injected using
// the client's bootstrapped address and the frame's own ports rather than
// looked up in byConnID, which never holds an entry for that sentinel id.
func (e *Engine) Deliver(connID flowtable.ConnectionId, frame tunnel.Frame) error {
	if connID == flowtable.BootstrapConnectionId {
		return e.deliverBootstrap(frame)
	}

	st, ok := e.byConnID.Get(connID)
	if !ok {
		return fmt.Errorf("udpflow: no flow for connection %d", connID)
	}
	st.lastSeen.Store(time.Now().UnixNano())

	srcIP := e.gameServerIP
	if st.isIPv6 {
		srcIP = e.gameServerIPv6
	}
	clientIP := net.IP(st.key.SrcIP.AsSlice())

	data, err := ippkt.BuildUDP(srcIP, clientIP, st.key.DstPort, st.key.SrcPort, 0, frame.Payload)
	if err != nil {
		return fmt.Errorf("udpflow: failed to build reply for connection %d: %w", connID, err)
	}
	if err := e.inject.WritePacket(data, st.isIPv6); err != nil {
		return fmt.Errorf("udpflow: failed to inject reply for connection %d: %w", connID, err)
	}
	return nil
}

func (e *Engine) deliverBootstrap(frame tunnel.Frame) error {
	e.bootstrapMu.Lock()
	clientIP := e.firstClientIP
	e.bootstrapMu.Unlock()
	if clientIP == nil {
		return fmt.Errorf("udpflow: bootstrap frame arrived before any client address was observed")
	}

	data, err := ippkt.BuildUDP(e.gameServerIP, clientIP, frame.SrcPort, frame.DstPort, 0, frame.Payload)
	if err != nil {
		return fmt.Errorf("udpflow: failed to build bootstrap reply: %w", err)
	}
	if err := e.inject.WritePacket(data, false); err != nil {
		return fmt.Errorf("udpflow: failed to inject bootstrap reply: %w", err)
	}
	return nil
}

// Len reports the number of UDP flows currently tracked.
func (e *Engine) Len() int {
	return e.byKey.Len()
}

// Sweep removes flows idle for at least d, returning how many were
// dropped. The diverter calls this on a fixed tick; UDP has no close
// handshake so idleness is the only teardown signal.
func (e *Engine) Sweep(d time.Duration) int {
	cutoff := time.Now().Add(-d).UnixNano()
	var stale []Key
	e.byKey.Range(func(k Key, s *state) bool {
		if s.lastSeen.Load() < cutoff {
			stale = append(stale, k)
		}
		return true
	})
	for _, k := range stale {
		if st, ok := e.byKey.Get(k); ok {
			e.byConnID.Delete(st.connID)
		}
		e.byKey.Delete(k)
	}
	if len(stale) > 0 {
		log.Debugf("swept %d idle flows", len(stale))
	}
	return len(stale)
}
