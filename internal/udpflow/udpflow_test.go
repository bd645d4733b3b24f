package udpflow

import (
	"bytes"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"paqet/internal/flowtable"
	"paqet/internal/tunnel"
)

type recordingInjector struct {
	packets [][]byte
	ipv6    []bool
}

func (r *recordingInjector) WritePacket(data []byte, isIPv6 bool) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	r.packets = append(r.packets, cp)
	r.ipv6 = append(r.ipv6, isIPv6)
	return nil
}

// consumeBootstrap reads the one-time UDP bootstrap handshake that the
// first SendFromClient call writes ahead of any framed messages, the same
// way the relay's serveTunnel reads it before looping on ReadFrame.
func consumeBootstrap(t *testing.T, tun *bytes.Buffer) [4]byte {
	t.Helper()
	connID, dstPort, err := tunnel.ReadHandshake(tun)
	if err != nil {
		t.Fatalf("ReadHandshake: %v", err)
	}
	if connID != flowtable.BootstrapConnectionId || dstPort != tunnel.BootstrapPort {
		t.Fatalf("handshake = (%d, %d), want bootstrap (%d, %d)", connID, dstPort, flowtable.BootstrapConnectionId, tunnel.BootstrapPort)
	}
	var ip [4]byte
	if _, err := tun.Read(ip[:]); err != nil {
		t.Fatalf("reading bootstrap client IP: %v", err)
	}
	return ip
}

func TestSendFromClientAllocatesIncreasingConnIDs(t *testing.T) {
	var tun bytes.Buffer
	inj := &recordingInjector{}
	e := NewEngine(net.ParseIP("203.0.113.5"), nil, &tun, inj)

	k1 := Key{SrcIP: netip.MustParseAddr("198.51.100.9"), SrcPort: 40000, DstIP: netip.MustParseAddr("203.0.113.5"), DstPort: 27015}
	k2 := Key{SrcIP: netip.MustParseAddr("198.51.100.9"), SrcPort: 40001, DstIP: netip.MustParseAddr("203.0.113.5"), DstPort: 27015}

	if err := e.SendFromClient(k1, false, []byte("a")); err != nil {
		t.Fatalf("SendFromClient k1: %v", err)
	}
	if err := e.SendFromClient(k2, false, []byte("b")); err != nil {
		t.Fatalf("SendFromClient k2: %v", err)
	}
	// Same key again must reuse its ConnectionId.
	if err := e.SendFromClient(k1, false, []byte("c")); err != nil {
		t.Fatalf("SendFromClient k1 again: %v", err)
	}

	if ip := consumeBootstrap(t, &tun); ip != [4]byte{198, 51, 100, 9} {
		t.Fatalf("bootstrap client IP = %v, want 198.51.100.9", ip)
	}

	f1, _, err := tunnel.ReadFrame(&tun)
	if err != nil {
		t.Fatalf("ReadFrame 1: %v", err)
	}
	f2, _, err := tunnel.ReadFrame(&tun)
	if err != nil {
		t.Fatalf("ReadFrame 2: %v", err)
	}
	f3, _, err := tunnel.ReadFrame(&tun)
	if err != nil {
		t.Fatalf("ReadFrame 3: %v", err)
	}

	if f1.ConnID == f2.ConnID {
		t.Fatalf("distinct flows got the same ConnectionId: %d", f1.ConnID)
	}
	if f3.ConnID != f1.ConnID {
		t.Fatalf("same flow got different ConnectionId: %d vs %d", f3.ConnID, f1.ConnID)
	}
	if f1.ConnID < firstConnID {
		t.Fatalf("ConnectionId %d below firstConnID %d", f1.ConnID, firstConnID)
	}
}

func TestDeliverInjectsUDPReply(t *testing.T) {
	var tun bytes.Buffer
	inj := &recordingInjector{}
	e := NewEngine(net.ParseIP("203.0.113.5"), nil, &tun, inj)

	k := Key{SrcIP: netip.MustParseAddr("198.51.100.9"), SrcPort: 40000, DstIP: netip.MustParseAddr("203.0.113.5"), DstPort: 27015}
	if err := e.SendFromClient(k, false, []byte("hello")); err != nil {
		t.Fatalf("SendFromClient: %v", err)
	}
	consumeBootstrap(t, &tun)
	frame, _, err := tunnel.ReadFrame(&tun)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}

	reply := tunnel.Frame{Type: tunnel.MsgUDPPayload, ConnID: frame.ConnID, SrcPort: frame.DstPort, DstPort: frame.SrcPort, Payload: []byte("world")}
	if err := e.Deliver(frame.ConnID, reply); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(inj.packets) != 1 {
		t.Fatalf("expected 1 injected packet, got %d", len(inj.packets))
	}

	pkt := gopacket.NewPacket(inj.packets[0], layers.LayerTypeIPv4, gopacket.Default)
	udpLayer := pkt.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		t.Fatalf("no UDP layer in injected packet")
	}
	udp := udpLayer.(*layers.UDP)
	if uint16(udp.SrcPort) != 27015 || uint16(udp.DstPort) != 40000 {
		t.Fatalf("unexpected ports: %d -> %d", udp.SrcPort, udp.DstPort)
	}
	if string(udp.Payload) != "world" {
		t.Fatalf("payload = %q", udp.Payload)
	}
}

func TestDeliverUnknownConnID(t *testing.T) {
	var tun bytes.Buffer
	e := NewEngine(net.ParseIP("203.0.113.5"), nil, &tun, &recordingInjector{})
	frame := tunnel.Frame{Type: tunnel.MsgUDPPayload, ConnID: 999999, Payload: []byte("x")}
	if err := e.Deliver(999999, frame); err == nil {
		t.Fatalf("expected error for unknown connection id")
	}
}

// TestDeliverBootstrapConnID covers the review fix: a reply tagged with
// flowtable.BootstrapConnectionId has no entry in byConnID and must still
// be delivered, using the client's bootstrapped address and the frame's
// own ports rather than a registered flow.
func TestDeliverBootstrapConnID(t *testing.T) {
	var tun bytes.Buffer
	inj := &recordingInjector{}
	e := NewEngine(net.ParseIP("203.0.113.5"), nil, &tun, inj)

	k := Key{SrcIP: netip.MustParseAddr("198.51.100.9"), SrcPort: 40000, DstIP: netip.MustParseAddr("203.0.113.5"), DstPort: 27015}
	if err := e.SendFromClient(k, false, []byte("register")); err != nil {
		t.Fatalf("SendFromClient: %v", err)
	}

	frame := tunnel.Frame{Type: tunnel.MsgUDPPayload, ConnID: flowtable.BootstrapConnectionId, SrcPort: 27015, DstPort: 40000, Payload: []byte("hi")}
	if err := e.Deliver(flowtable.BootstrapConnectionId, frame); err != nil {
		t.Fatalf("Deliver bootstrap frame: %v", err)
	}
	if len(inj.packets) != 1 {
		t.Fatalf("expected 1 injected packet, got %d", len(inj.packets))
	}

	pkt := gopacket.NewPacket(inj.packets[0], layers.LayerTypeIPv4, gopacket.Default)
	udpLayer := pkt.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		t.Fatalf("no UDP layer in injected packet")
	}
	udp := udpLayer.(*layers.UDP)
	if uint16(udp.SrcPort) != 27015 || uint16(udp.DstPort) != 40000 {
		t.Fatalf("unexpected ports: %d -> %d", udp.SrcPort, udp.DstPort)
	}
	if string(udp.Payload) != "hi" {
		t.Fatalf("payload = %q", udp.Payload)
	}
}

func TestDeliverBootstrapConnIDBeforeAnyClient(t *testing.T) {
	var tun bytes.Buffer
	e := NewEngine(net.ParseIP("203.0.113.5"), nil, &tun, &recordingInjector{})
	frame := tunnel.Frame{Type: tunnel.MsgUDPPayload, ConnID: flowtable.BootstrapConnectionId, SrcPort: 27015, DstPort: 40000, Payload: []byte("hi")}
	if err := e.Deliver(flowtable.BootstrapConnectionId, frame); err == nil {
		t.Fatalf("expected error when no client address has been observed yet")
	}
}

func TestSweepRemovesIdleFlows(t *testing.T) {
	var tun bytes.Buffer
	e := NewEngine(net.ParseIP("203.0.113.5"), nil, &tun, &recordingInjector{})
	k := Key{SrcIP: netip.MustParseAddr("198.51.100.9"), SrcPort: 40000, DstIP: netip.MustParseAddr("203.0.113.5"), DstPort: 27015}
	if err := e.SendFromClient(k, false, []byte("x")); err != nil {
		t.Fatalf("SendFromClient: %v", err)
	}

	if n := e.Sweep(time.Hour); n != 0 {
		t.Fatalf("Sweep with long idle window removed %d flows, want 0", n)
	}
	if n := e.Sweep(0); n != 1 {
		t.Fatalf("Sweep with zero idle window removed %d flows, want 1", n)
	}
	frame := tunnel.Frame{Type: tunnel.MsgUDPPayload, ConnID: firstConnID, Payload: []byte("x")}
	if err := e.Deliver(firstConnID, frame); err == nil {
		t.Fatalf("expected error after flow swept")
	}
}

func TestBootstrapNoopBeforeAnyClientTraffic(t *testing.T) {
	var tun bytes.Buffer
	e := NewEngine(net.ParseIP("203.0.113.5"), nil, &tun, &recordingInjector{})
	if err := e.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if tun.Len() != 0 {
		t.Fatalf("expected no handshake written before any client traffic, got %d bytes", tun.Len())
	}
}

func TestBootstrapResendsAfterClientObserved(t *testing.T) {
	var tun bytes.Buffer
	e := NewEngine(net.ParseIP("203.0.113.5"), nil, &tun, &recordingInjector{})

	k := Key{SrcIP: netip.MustParseAddr("198.51.100.9"), SrcPort: 40000, DstIP: netip.MustParseAddr("203.0.113.5"), DstPort: 27015}
	if err := e.SendFromClient(k, false, []byte("x")); err != nil {
		t.Fatalf("SendFromClient: %v", err)
	}
	consumeBootstrap(t, &tun)
	if _, _, err := tunnel.ReadFrame(&tun); err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}

	// Simulating a reconnect: Bootstrap is called again explicitly and must
	// resend the handshake since the client's address is already known.
	if err := e.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap after reconnect: %v", err)
	}
	if ip := consumeBootstrap(t, &tun); ip != [4]byte{198, 51, 100, 9} {
		t.Fatalf("bootstrap client IP = %v, want 198.51.100.9", ip)
	}
}
