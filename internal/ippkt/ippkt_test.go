package ippkt

import (
	"net"
	"testing"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

func TestBuildTCPRoundTrip(t *testing.T) {
	srcIP := net.ParseIP("203.0.113.5")
	dstIP := net.ParseIP("198.51.100.9")
	fields := TCPFields{
		SrcPort: 27015,
		DstPort: 51000,
		Seq:     12345,
		Ack:     6789,
		SYN:     true,
		ACK:     true,
		Window:  65535,
		IPID:    42,
	}
	payload := []byte("payload-bytes")

	data, err := BuildTCP(srcIP, dstIP, fields, payload)
	if err != nil {
		t.Fatalf("BuildTCP: %v", err)
	}

	pkt := gopacket.NewPacket(data, layers.LayerTypeIPv4, gopacket.Default)
	ipLayer := pkt.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		t.Fatalf("no IPv4 layer decoded")
	}
	ip := ipLayer.(*layers.IPv4)
	if !ip.SrcIP.Equal(srcIP.To4()) || !ip.DstIP.Equal(dstIP.To4()) {
		t.Fatalf("unexpected IPs: %s -> %s", ip.SrcIP, ip.DstIP)
	}
	if ip.Id != 42 {
		t.Fatalf("IPID = %d, want 42", ip.Id)
	}

	tcpLayer := pkt.Layer(layers.LayerTypeTCP)
	if tcpLayer == nil {
		t.Fatalf("no TCP layer decoded")
	}
	tcp := tcpLayer.(*layers.TCP)
	if tcp.Seq != 12345 || tcp.Ack != 6789 {
		t.Fatalf("seq/ack mismatch: %d/%d", tcp.Seq, tcp.Ack)
	}
	if !tcp.SYN || !tcp.ACK {
		t.Fatalf("flags not preserved: %+v", tcp)
	}
	if string(tcp.Payload) != "payload-bytes" {
		t.Fatalf("payload = %q", tcp.Payload)
	}
	if pkt.ErrorLayer() != nil {
		t.Fatalf("decode error (likely bad checksum): %v", pkt.ErrorLayer().Error())
	}
}

func TestBuildUDPRoundTrip(t *testing.T) {
	srcIP := net.ParseIP("203.0.113.5")
	dstIP := net.ParseIP("198.51.100.9")
	payload := []byte("udp-payload")

	data, err := BuildUDP(srcIP, dstIP, 27015, 51000, 7, payload)
	if err != nil {
		t.Fatalf("BuildUDP: %v", err)
	}

	pkt := gopacket.NewPacket(data, layers.LayerTypeIPv4, gopacket.Default)
	udpLayer := pkt.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		t.Fatalf("no UDP layer decoded")
	}
	udp := udpLayer.(*layers.UDP)
	if string(udp.Payload) != "udp-payload" {
		t.Fatalf("payload = %q", udp.Payload)
	}
	if pkt.ErrorLayer() != nil {
		t.Fatalf("decode error (likely bad checksum): %v", pkt.ErrorLayer().Error())
	}
}
