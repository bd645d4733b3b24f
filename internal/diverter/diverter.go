// Package diverter is the client-side main loop (spec §4.8): it owns the
// capture backend, the TCP flow table (each flow dialing its own dedicated
// tunnel connection), the single shared UDP-multiplex tunnel connection,
// and the tcpflow/udpflow engines that turn captured packets into tunnel
// frames and tunnel frames back into injected packets.
package diverter

import (
	"context"
	"io"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"paqet/internal/capture"
	"paqet/internal/flog"
	"paqet/internal/flowtable"
	"paqet/internal/metrics"
	"paqet/internal/tcpflow"
	"paqet/internal/tunnel"
	"paqet/internal/tunnelconn"
	"paqet/internal/udpflow"
)

var log = flog.Tag("diverter")

const (
	flowSweepInterval  = 10 * time.Second
	flowIdleTimeout    = 2 * time.Minute
	tcpHeartbeatPeriod = 15 * time.Second
)

// Config bundles everything the diverter needs to start.
type Config struct {
	Capture        *capture.Config
	RelayAddrs     []string
	GameServerIPv4 net.IP
	GameServerIPv6 net.IP

	// Metrics is optional; a nil Registry disables instrumentation.
	Metrics *metrics.Registry
}

// Diverter ties capture, the shared UDP tunnel connection, and the two
// flow engines together. Each TCP flow dials its own dedicated tunnel
// connection (spec §2/§3); only UDP traffic shares d.tun.
type Diverter struct {
	cfg *Config
	cap *capture.Diverter
	tun *tunnelconn.Conn // shared UDP-multiplex connection only
	met *metrics.Registry
	ctx context.Context

	tcpFlows  *flowtable.Table[flowtable.FlowKey, *tcpflow.Flow]
	tcpByConn *flowtable.Table[flowtable.ConnectionId, *tcpflow.Flow]
	nextTCPID atomic.Uint32
	udp       *udpflow.Engine
}

// New opens the capture backend and dials the relay's UDP-multiplex
// connection, ready for Run.
func New(ctx context.Context, cfg *Config) (*Diverter, error) {
	cap, err := capture.New(ctx, cfg.Capture)
	if err != nil {
		return nil, err
	}

	tun, err := tunnelconn.New(ctx, cfg.RelayAddrs)
	if err != nil {
		cap.Close()
		return nil, err
	}

	d := &Diverter{
		cfg:       cfg,
		cap:       cap,
		tun:       tun,
		met:       cfg.Metrics,
		ctx:       ctx,
		tcpFlows:  flowtable.New[flowtable.FlowKey, *tcpflow.Flow](),
		tcpByConn: flowtable.New[flowtable.ConnectionId, *tcpflow.Flow](),
		udp:       udpflow.NewEngine(cfg.GameServerIPv4, cfg.GameServerIPv6, tun, cap),
	}
	d.nextTCPID.Store(1)

	if err := d.udp.Bootstrap(); err != nil {
		log.Warnf("UDP bootstrap handshake failed (will retry on reconnect): %v", err)
	}

	return d, nil
}

// dialFlowConn opens one fresh dedicated tunnel connection for a single
// TCP flow, backing tcpflow.Dialer in production.
func (d *Diverter) dialFlowConn() (io.ReadWriteCloser, error) {
	return tunnelconn.Dial(d.ctx, d.cfg.RelayAddrs)
}

// Run starts the shared-connection reader (UDP only), flow sweeper, and
// health-check supervisor, then blocks in the capture read loop until ctx
// is canceled.
func (d *Diverter) Run(ctx context.Context) error {
	d.ctx = ctx
	go d.tun.Supervise(ctx)
	go d.tunnelReadLoop(ctx)
	go d.sweepLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		pkt, err := d.cap.ReadPacket()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warnf("capture read error: %v", err)
			continue
		}
		d.handlePacket(pkt)
	}
}

// Close releases the capture backend and tunnel connection.
func (d *Diverter) Close() error {
	d.tun.Close()
	return d.cap.Close()
}

func (d *Diverter) handlePacket(pkt *capture.Packet) {
	switch pkt.Proto {
	case capture.ProtoTCP:
		if d.met != nil {
			d.met.PacketsCaptured.WithLabelValues("tcp").Inc()
		}
		d.handleTCP(pkt)
	case capture.ProtoUDP:
		if d.met != nil {
			d.met.PacketsCaptured.WithLabelValues("udp").Inc()
		}
		d.handleUDP(pkt)
	}
}

func (d *Diverter) handleTCP(pkt *capture.Packet) {
	addr, ok := netip.AddrFromSlice(pkt.SrcIP)
	if !ok {
		return
	}
	key := flowtable.FlowKey{SrcIP: addr.Unmap(), SrcPort: pkt.SrcPort, DstPort: pkt.DstPort}

	if pkt.Flags.SYN && !pkt.Flags.ACK {
		if prior, ok := d.tcpFlows.Get(key); ok {
			log.Warnf("SYN collides with existing flow %v, tearing down prior connection %d", key, prior.ConnID)
			d.removeFlow(key, prior.ConnID)
			prior.Close()
		}

		isIPv6 := pkt.SrcIP.To4() == nil
		gameServerIP := d.cfg.GameServerIPv4
		if isIPv6 {
			gameServerIP = d.cfg.GameServerIPv6
		}
		connID := flowtable.ConnectionId(d.nextTCPID.Add(1) - 1)
		flow := tcpflow.New(key, connID, gameServerIP, pkt.SrcIP, isIPv6, d.dialFlowConn, d.cap, func() {
			d.removeFlow(key, connID)
		})
		d.tcpFlows.Put(key, flow)
		d.tcpByConn.Put(connID, flow)
		if err := flow.OnSyn(pkt.Seq, pkt.Window); err != nil {
			log.Warnf("OnSyn failed for %v: %v", key, err)
			d.removeFlow(key, connID)
		}
		return
	}

	flow, ok := d.tcpFlows.Get(key)
	if !ok {
		return // no flow for a non-SYN segment; likely a stale packet
	}

	switch {
	case pkt.Flags.FIN:
		if err := flow.OnFin(pkt.Seq); err != nil {
			log.Warnf("OnFin failed for %v: %v", key, err)
		}
	case len(pkt.Payload) > 0:
		if err := flow.OnData(pkt.Seq, pkt.Ack, pkt.Payload, pkt.Window); err != nil {
			log.Warnf("OnData failed for %v: %v", key, err)
		}
	case pkt.Flags.ACK:
		flow.OnAck(pkt.Ack, pkt.Window)
	}

	if flow.Closed() {
		d.removeFlow(key, flow.ConnID)
	}
}

// removeFlow drops a flow from both lookup tables; idempotent, since both
// the flow's own onClosed callback and the capture read loop's Closed()
// check can race to call it for the same flow.
func (d *Diverter) removeFlow(key flowtable.FlowKey, connID flowtable.ConnectionId) {
	d.tcpFlows.Delete(key)
	d.tcpByConn.Delete(connID)
}

func (d *Diverter) handleUDP(pkt *capture.Packet) {
	srcAddr, ok1 := netip.AddrFromSlice(pkt.SrcIP)
	dstAddr, ok2 := netip.AddrFromSlice(pkt.DstIP)
	if !ok1 || !ok2 {
		return
	}
	key := udpflow.Key{
		SrcIP:   srcAddr.Unmap(),
		SrcPort: pkt.SrcPort,
		DstIP:   dstAddr.Unmap(),
		DstPort: pkt.DstPort,
	}
	isIPv6 := pkt.SrcIP.To4() == nil
	if err := d.udp.SendFromClient(key, isIPv6, pkt.Payload); err != nil {
		log.Warnf("failed to forward UDP datagram from %v: %v", key, err)
	}
}

// tunnelReadLoop reads the shared UDP-multiplex connection. TCP flows no
// longer pass through here at all: each owns its own dedicated tunnel
// connection and its own readLoop goroutine (spec §2/§3).
func (d *Diverter) tunnelReadLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		frame, release, err := tunnel.ReadFrame(d.tun.Current())
		if err != nil {
			log.Warnf("UDP tunnel read failed: %v", err)
			if d.met != nil {
				d.met.FrameReadErrors.Inc()
			}
			if err := d.tun.Reconnect(ctx); err != nil {
				log.Errorf("UDP tunnel reconnect exhausted: %v", err)
				return
			}
			if d.met != nil {
				d.met.TunnelReconnects.Inc()
			}
			if err := d.udp.Bootstrap(); err != nil {
				log.Warnf("UDP bootstrap handshake failed after reconnect: %v", err)
			}
			continue
		}

		switch frame.Type {
		case tunnel.MsgUDPPayload:
			if err := d.udp.Deliver(frame.ConnID, frame); err != nil {
				log.Debugf("delivering UDP payload for connection %d: %v", frame.ConnID, err)
			}
		case tunnel.MsgHeartbeat:
			// Nothing to do; Probe/liveness handling lives in tunnelconn.
		}
		release()
	}
}

// sweepLoop periodically sends TCP heartbeats and drops idle flows.
func (d *Diverter) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(flowSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var stale []flowtable.FlowKey
			d.tcpFlows.Range(func(key flowtable.FlowKey, flow *tcpflow.Flow) bool {
				if flow.Idle(flowIdleTimeout) || flow.Closed() {
					stale = append(stale, key)
					return true
				}
				if err := flow.Heartbeat(tcpHeartbeatPeriod); err != nil {
					log.Warnf("heartbeat failed for %v: %v", key, err)
				}
				return true
			})
			for _, key := range stale {
				if flow, ok := d.tcpFlows.Get(key); ok {
					d.removeFlow(key, flow.ConnID)
					flow.Close()
				}
			}

			d.udp.Sweep(flowIdleTimeout)

			if d.met != nil {
				d.met.ActiveTCPFlows.Set(float64(d.tcpFlows.Len()))
				d.met.ActiveUDPFlows.Set(float64(d.udp.Len()))
			}
		}
	}
}
