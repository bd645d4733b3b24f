// Package ippkt builds the raw IPv4/IPv6 datagrams the diverter injects back
// onto the wire: a synthesised TCP segment standing in for the real game
// server, or a synthesised UDP datagram, each with fully recomputed
// checksums and an IP ID the caller controls (spec §4.1).
//
// Unlike the teacher's transport layer, which hands payload bytes to
// gvisor's netstack and never touches a header byte, the tunnel needs exact
// control over sequence numbers, window size, and IP identification, so
// headers are assembled directly with gopacket's layer serialization
// instead of going through a virtual stack.
package ippkt

import (
	"fmt"
	"net"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

// TCPFields carries the header values the caller wants on the wire; payload
// is passed separately to BuildTCP.
type TCPFields struct {
	SrcPort, DstPort   uint16
	Seq, Ack           uint32
	SYN, ACK, FIN, RST bool
	PSH, URG           bool
	Window             uint16
	IPID               uint16
}

// BuildTCP serializes an IPv4 (or IPv6, when srcIP/dstIP are v6) header plus
// a TCP header and payload, with both checksums recomputed. The returned
// slice starts at the IP header, ready for Diverter.WritePacket.
func BuildTCP(srcIP, dstIP net.IP, f TCPFields, payload []byte) ([]byte, error) {
	tcp := layers.TCP{
		SrcPort: layers.TCPPort(f.SrcPort),
		DstPort: layers.TCPPort(f.DstPort),
		Seq:     f.Seq,
		Ack:     f.Ack,
		SYN:     f.SYN,
		ACK:     f.ACK,
		FIN:     f.FIN,
		RST:     f.RST,
		PSH:     f.PSH,
		URG:     f.URG,
		Window:  f.Window,
	}

	if v4 := srcIP.To4(); v4 != nil {
		ip := &layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      64,
			Id:       f.IPID,
			Protocol: layers.IPProtocolTCP,
			SrcIP:    v4,
			DstIP:    dstIP.To4(),
		}
		tcp.SetNetworkLayerForChecksum(ip)
		return serialize(ip, &tcp, payload)
	}

	ip := &layers.IPv6{
		Version:    6,
		HopLimit:   64,
		NextHeader: layers.IPProtocolTCP,
		SrcIP:      srcIP,
		DstIP:      dstIP,
	}
	tcp.SetNetworkLayerForChecksum(ip)
	return serialize(ip, &tcp, payload)
}

// BuildUDP serializes an IPv4 (or IPv6) header plus a UDP header and
// payload, with checksums recomputed.
func BuildUDP(srcIP, dstIP net.IP, srcPort, dstPort uint16, ipID uint16, payload []byte) ([]byte, error) {
	udp := layers.UDP{
		SrcPort: layers.UDPPort(srcPort),
		DstPort: layers.UDPPort(dstPort),
	}

	if v4 := srcIP.To4(); v4 != nil {
		ip := &layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      64,
			Id:       ipID,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    v4,
			DstIP:    dstIP.To4(),
		}
		udp.SetNetworkLayerForChecksum(ip)
		return serialize(ip, &udp, payload)
	}

	ip := &layers.IPv6{
		Version:    6,
		HopLimit:   64,
		NextHeader: layers.IPProtocolUDP,
		SrcIP:      srcIP,
		DstIP:      dstIP,
	}
	udp.SetNetworkLayerForChecksum(ip)
	return serialize(ip, &udp, payload)
}

func serialize(ipLayer gopacket.SerializableLayer, transport gopacket.SerializableLayer, payload []byte) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	layersToSerialize := []gopacket.SerializableLayer{ipLayer, transport, gopacket.Payload(payload)}
	if err := gopacket.SerializeLayers(buf, opts, layersToSerialize...); err != nil {
		return nil, fmt.Errorf("ippkt: failed to serialize packet: %w", err)
	}
	return buf.Bytes(), nil
}
