package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"paqet/internal/flog"
	"paqet/internal/flowtable"
	"paqet/internal/pkg/buffer"
	"paqet/internal/rewrite"
	"paqet/internal/tunnel"
)

var udplog = flog.Tag("udprelay")

const (
	udpUpstreamReadTimeout = 60 * time.Second
	// natHandshakeLen is the fixed size of the UDP NAT-discovery packet
	// the original game protocol uses to register a peer with the real
	// server (spec §4.10/§6): a one-byte tag, a 4-byte IPv4 address, and a
	// 2-byte port.
	natHandshakeLen = 7
	// natHandshakeTag identifies the NAT-discovery packet among ordinary
	// UDP payloads; only the game server ever sends this tag, on the
	// game-server-to-client leg.
	natHandshakeTag = 0x02
)

// udpFlow is one client UDP source port's relay-side state. A single
// client can have several of these multiplexed over the one shared tunnel
// connection (spec §4.5/§4.10), distinguished by ConnectionId.
type udpFlow struct {
	connID        flowtable.ConnectionId
	conn          *net.UDPConn
	clientIP      [4]byte
	clientSrcPort uint16 // client's source port: DstPort on replies
	gamePort      uint16 // real game server's port: SrcPort on replies
}

// UDPEngine is the relay-side counterpart to udpflow.Engine: one upstream
// UDP socket per client ConnectionId, bound to the client's own source
// port on the relay's proxy-local address, opened lazily on first
// datagram and shared by every flow multiplexed over one tunnel
// connection.
type UDPEngine struct {
	upstreamAddr  string
	relayPublicIP net.IP
	proxyLocalIP  net.IP

	flows *flowtable.Table[flowtable.ConnectionId, *udpFlow]

	sendMu  sync.Mutex
	tunConn net.Conn
}

// NewUDPEngine builds a relay UDP engine targeting upstreamAddr.
func NewUDPEngine(upstreamAddr string, relayPublicIP, proxyLocalIP net.IP) *UDPEngine {
	return &UDPEngine{
		upstreamAddr:  upstreamAddr,
		relayPublicIP: relayPublicIP,
		proxyLocalIP:  proxyLocalIP,
		flows:         flowtable.New[flowtable.ConnectionId, *udpFlow](),
	}
}

// Serve takes ownership of the client's single shared UDP-multiplex
// tunnel connection and reads frames from it until it closes, dispatching
// each by ConnectionId to its own upstream UDP socket (spec §4.5). A
// reconnect replaces any prior session's flows outright, since only one
// client session is meaningful at a time per relay.
func (e *UDPEngine) Serve(ctx context.Context, tunConn net.Conn, clientIP [4]byte) {
	e.reset(tunConn)
	defer tunConn.Close()

	go func() {
		<-ctx.Done()
		tunConn.Close()
	}()

	for {
		frame, release, err := tunnel.ReadFrame(tunConn)
		if err != nil {
			udplog.Debugf("UDP-multiplex connection closed: %v", err)
			e.closeAllFlows()
			return
		}
		if frame.Type == tunnel.MsgUDPPayload {
			e.handleClientFrame(tunConn, clientIP, frame)
		}
		release()
	}
}

// reset drops every flow left over from a prior session and records the
// new session's tunnel connection.
func (e *UDPEngine) reset(tunConn net.Conn) {
	e.closeAllFlows()
	e.sendMu.Lock()
	e.tunConn = tunConn
	e.sendMu.Unlock()
}

func (e *UDPEngine) closeAllFlows() {
	var stale []flowtable.ConnectionId
	e.flows.Range(func(id flowtable.ConnectionId, f *udpFlow) bool {
		stale = append(stale, id)
		return true
	})
	for _, id := range stale {
		if f, ok := e.flows.Get(id); ok && f.conn != nil {
			f.conn.Close()
		}
		e.flows.Delete(id)
	}
}

// handleClientFrame forwards one UDP payload from the tunnel to the real
// game server, opening the upstream socket for connID on first use, bound
// to the client's own source port so the game server sees a stable
// per-client-flow source address (spec §4.10).
func (e *UDPEngine) handleClientFrame(tunConn net.Conn, clientIP [4]byte, frame tunnel.Frame) {
	connID := frame.ConnID
	f := e.flows.GetOrInsert(connID, func() *udpFlow {
		conn, err := e.dialUpstream(frame.SrcPort, frame.DstPort)
		if err != nil {
			udplog.Warnf("failed to open upstream UDP socket for connection %d (client port %d): %v", connID, frame.SrcPort, err)
			return &udpFlow{connID: connID}
		}
		nf := &udpFlow{connID: connID, conn: conn, clientIP: clientIP, clientSrcPort: frame.SrcPort, gamePort: frame.DstPort}
		go e.readLoop(nf)
		return nf
	})
	if f.conn == nil {
		return
	}

	out := frame.Payload
	rewrite.IPv4Both(out, clientIP, relayIPBytes(e.relayPublicIP))
	if _, err := f.conn.Write(out); err != nil {
		udplog.Warnf("write to upstream UDP failed for connection %d: %v", connID, err)
	}
}

// readLoop reads datagrams from the real game server and forwards them
// back over the shared tunnel connection. The NAT-discovery handshake
// (spec §4.10/§6) only ever travels this direction, so its rewrite lives
// here rather than on the client-to-game leg, guarded by both the fixed
// packet length and its message tag so an ordinary 7-byte payload is
// never mistaken for it.
func (e *UDPEngine) readLoop(f *udpFlow) {
	bufp := buffer.UPool.Get().(*[]byte)
	defer buffer.UPool.Put(bufp)
	buf := *bufp

	for {
		f.conn.SetReadDeadline(time.Now().Add(udpUpstreamReadTimeout))
		n, err := f.conn.Read(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			udplog.Debugf("upstream UDP socket for connection %d closed: %v", f.connID, err)
			break
		}

		var payload []byte
		if n == natHandshakeLen && buf[0] == natHandshakeTag {
			payload = rewrite.NATHandshake(buf[:n], f.clientIP, f.clientSrcPort)
		} else {
			payload = buf[:n]
			rewrite.IPv4Both(payload, relayIPBytes(e.relayPublicIP), f.clientIP)
		}

		if err := e.send(f.connID, f.gamePort, f.clientSrcPort, payload); err != nil {
			udplog.Warnf("failed to forward upstream UDP data for connection %d: %v", f.connID, err)
			break
		}
	}
	e.flows.Delete(f.connID)
	f.conn.Close()
}

// send writes a UDP frame to the shared tunnel connection under sendMu,
// since several readLoop goroutines share one underlying net.Conn.
func (e *UDPEngine) send(connID flowtable.ConnectionId, srcPort, dstPort uint16, payload []byte) error {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	if e.tunConn == nil {
		return fmt.Errorf("relay: no active UDP-multiplex connection")
	}
	return tunnel.WriteUDP(e.tunConn, connID, srcPort, dstPort, payload)
}

// dialUpstream opens the relay's upstream UDP socket for one client flow,
// binding its local endpoint to (proxyLocalIP, clientSrcPort) so the game
// server can use the source port as a stable per-flow identity (spec
// §4.10). If that exact port is already in use by another flow's socket,
// it falls back to an OS-assigned ephemeral port and logs the fallback.
func (e *UDPEngine) dialUpstream(clientSrcPort, dstPort uint16) (*net.UDPConn, error) {
	host, _, err := net.SplitHostPort(e.upstreamAddr)
	if err != nil {
		return nil, fmt.Errorf("relay: invalid upstream address %q: %w", e.upstreamAddr, err)
	}
	raddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, fmt.Sprintf("%d", dstPort)))
	if err != nil {
		return nil, err
	}

	laddr := &net.UDPAddr{IP: e.proxyLocalIP, Port: int(clientSrcPort)}
	conn, err := net.DialUDP("udp", laddr, raddr)
	if err != nil && errors.Is(err, syscall.EADDRINUSE) {
		udplog.Warnf("local port %d already in use, falling back to an ephemeral port", clientSrcPort)
		laddr = &net.UDPAddr{IP: e.proxyLocalIP}
		conn, err = net.DialUDP("udp", laddr, raddr)
	}
	if err != nil {
		return nil, err
	}
	conn.SetReadBuffer(socketBufferSize)
	conn.SetWriteBuffer(socketBufferSize)
	return conn, nil
}
