package capture

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

// Proto identifies which transport header a diverted packet carries.
type Proto int

const (
	ProtoTCP Proto = iota
	ProtoUDP
)

// TCPFlags is the decoded flag octet of a TCP header.
type TCPFlags struct {
	SYN, ACK, FIN, RST, PSH, URG bool
}

// Packet is one diverted IP datagram, decoded down to its transport header.
type Packet struct {
	Proto   Proto
	SrcIP   net.IP
	DstIP   net.IP
	SrcPort uint16
	DstPort uint16

	// TCP-only fields; zero for UDP.
	Seq    uint32
	Ack    uint32
	Flags  TCPFlags
	Window uint16

	Payload []byte
}

// Diverter taps the link layer for traffic to/from a configured game-server
// address and lets the caller inject synthesised replies. It is the Go
// analogue of the WinDivert hook described in spec §4.8: every matching
// packet is handed to ReadPacket and none of them reach the kernel's own
// TCP/UDP stack (see iptablesGuard).
type Diverter struct {
	cfg    *Config
	handle RawHandle
	guard  *iptablesGuard

	eth     layers.Ethernet
	ipv4    layers.IPv4
	ipv6    layers.IPv6
	tcp     layers.TCP
	udp     layers.UDP
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType

	readWg sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New opens the capture backend for cfg and installs the iptables guard
// (Linux only) that keeps the kernel from answering on the diverted
// address. Install happens before the handle starts reading so no early
// packet is missed.
func New(ctx context.Context, cfg *Config) (*Diverter, error) {
	var v4, v6 string
	if cfg.GameServerIPv4 != nil {
		v4 = cfg.GameServerIPv4.String()
	}
	if cfg.GameServerIPv6 != nil {
		v6 = cfg.GameServerIPv6.String()
	}
	guard := newIptablesGuard(v4, v6, cfg.ExceptPort)
	guard.Install()

	handle, err := newHandle(cfg)
	if err != nil {
		guard.Remove()
		return nil, fmt.Errorf("capture: failed to open raw handle on %s: %w", cfg.Interface.Name, err)
	}

	filter := bpfFilter(cfg)
	if filter != "" {
		if err := handle.SetBPFFilter(filter); err != nil {
			handle.Close()
			guard.Remove()
			return nil, fmt.Errorf("capture: failed to set BPF filter %q: %w", filter, err)
		}
	}

	dctx, cancel := context.WithCancel(ctx)
	d := &Diverter{
		cfg:     cfg,
		handle:  handle,
		guard:   guard,
		decoded: make([]gopacket.LayerType, 0, 5),
		ctx:     dctx,
		cancel:  cancel,
	}
	d.parser = gopacket.NewDecodingLayerParser(
		layers.LayerTypeEthernet,
		&d.eth, &d.ipv4, &d.ipv6, &d.tcp, &d.udp,
	)
	d.parser.IgnoreUnsupported = true

	return d, nil
}

// bpfFilter builds "host <ip> and (tcp or udp) and not port <except>" for
// whichever address families are configured.
func bpfFilter(cfg *Config) string {
	var hosts []string
	if cfg.GameServerIPv4 != nil {
		hosts = append(hosts, fmt.Sprintf("host %s", cfg.GameServerIPv4))
	}
	if cfg.GameServerIPv6 != nil {
		hosts = append(hosts, fmt.Sprintf("host %s", cfg.GameServerIPv6))
	}
	if len(hosts) == 0 {
		return ""
	}
	hostExpr := hosts[0]
	if len(hosts) > 1 {
		hostExpr = "(" + hosts[0] + " or " + hosts[1] + ")"
	}
	expr := fmt.Sprintf("%s and (tcp or udp)", hostExpr)
	if cfg.ExceptPort != 0 {
		expr = fmt.Sprintf("%s and not port %d", expr, cfg.ExceptPort)
	}
	return expr
}

// ReadPacket blocks until a matching packet is captured, decodes it, and
// returns it. It is safe to call from exactly one goroutine (the diverter
// loop); concurrent WritePacket calls are fine.
func (d *Diverter) ReadPacket() (*Packet, error) {
	select {
	case <-d.ctx.Done():
		return nil, d.ctx.Err()
	default:
	}

	d.readWg.Add(1)
	defer d.readWg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return nil, d.ctx.Err()
		default:
		}

		data, _, err := d.handle.ZeroCopyReadPacketData()
		if err != nil {
			return nil, err
		}

		pkt, ok := d.decode(data)
		if !ok {
			continue
		}
		return pkt, nil
	}
}

func (d *Diverter) decode(data []byte) (*Packet, bool) {
	d.decoded = d.decoded[:0]
	if err := d.parser.DecodeLayers(data, &d.decoded); err != nil {
		// Unsupported/partial layers are expected (IgnoreUnsupported);
		// anything else just means this frame isn't one we understand.
	}

	pkt := &Packet{}
	haveIP, haveTransport := false, false
	for _, typ := range d.decoded {
		switch typ {
		case layers.LayerTypeIPv4:
			pkt.SrcIP, pkt.DstIP = d.ipv4.SrcIP, d.ipv4.DstIP
			haveIP = true
		case layers.LayerTypeIPv6:
			pkt.SrcIP, pkt.DstIP = d.ipv6.SrcIP, d.ipv6.DstIP
			haveIP = true
		case layers.LayerTypeTCP:
			pkt.Proto = ProtoTCP
			pkt.SrcPort = uint16(d.tcp.SrcPort)
			pkt.DstPort = uint16(d.tcp.DstPort)
			pkt.Seq = d.tcp.Seq
			pkt.Ack = d.tcp.Ack
			pkt.Window = d.tcp.Window
			pkt.Flags = TCPFlags{SYN: d.tcp.SYN, ACK: d.tcp.ACK, FIN: d.tcp.FIN, RST: d.tcp.RST, PSH: d.tcp.PSH, URG: d.tcp.URG}
			pkt.Payload = d.tcp.Payload
			haveTransport = true
		case layers.LayerTypeUDP:
			pkt.Proto = ProtoUDP
			pkt.SrcPort = uint16(d.udp.SrcPort)
			pkt.DstPort = uint16(d.udp.DstPort)
			pkt.Payload = d.udp.Payload
			haveTransport = true
		}
	}
	return pkt, haveIP && haveTransport
}

// WritePacket injects a fully-built IPv4/IPv6 datagram (see internal/ippkt)
// back onto the wire, wrapped in whatever link-layer header the backend
// needs. The game client sees it as an ordinary inbound packet.
func (d *Diverter) WritePacket(ipPacket []byte, isIPv6 bool) error {
	frame, err := d.wrapEthernet(ipPacket, isIPv6)
	if err != nil {
		return err
	}
	return d.handle.WritePacketData(frame)
}

func (d *Diverter) wrapEthernet(ipPacket []byte, isIPv6 bool) ([]byte, error) {
	ethType := layers.EthernetTypeIPv4
	if isIPv6 {
		ethType = layers.EthernetTypeIPv6
	}
	eth := layers.Ethernet{
		SrcMAC:       d.cfg.LocalMAC,
		DstMAC:       d.cfg.GatewayMAC,
		EthernetType: ethType,
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{}
	if err := gopacket.SerializeLayers(buf, opts, &eth, gopacket.Payload(ipPacket)); err != nil {
		return nil, fmt.Errorf("capture: failed to wrap ethernet frame: %w", err)
	}
	return buf.Bytes(), nil
}

// Close cancels in-flight reads and releases the handle and iptables
// guard. Readers get up to 500ms to notice cancellation before the handle
// is torn out from under them (the same budget the teacher's PacketConn
// uses, enough for one AF_PACKET poll cycle).
func (d *Diverter) Close() error {
	d.cancel()

	ch := make(chan struct{})
	go func() { d.readWg.Wait(); close(ch) }()
	select {
	case <-ch:
	case <-time.After(500 * time.Millisecond):
	}

	if d.handle != nil {
		d.handle.Close()
	}
	<-ch

	if d.guard != nil {
		d.guard.Remove()
	}
	return nil
}
