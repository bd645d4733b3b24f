// Package capture provides the raw link-layer capture/injection backend used
// by the client diverter (spec §4.8): it hands every inbound/outbound packet
// addressed to the configured game-server IP to user space, and lets the
// diverter inject synthesised replies that the kernel never sees as its own.
//
// This plays the role the original C++ client fills with WinDivert: WinDivert
// both captures AND drops matching traffic in one kernel hook. Go has no
// equivalent cross-platform driver, so capture pairs a link-layer tap
// (AF_PACKET on Linux, libpcap/Npcap elsewhere) with an iptables guard that
// keeps the kernel's own TCP stack from answering on the diverted flows.
package capture

import (
	"net"

	"github.com/gopacket/gopacket"
)

// Config describes the network surface the capture backend should open.
type Config struct {
	Interface *net.Interface
	GUID      string // Windows NPF device GUID, required on windows
	Backend   string // "auto" | "pcap" | "afpacket" (afpacket is linux-only)
	Sockbuf   int

	LocalMAC   net.HardwareAddr
	GatewayMAC net.HardwareAddr

	// GameServerIPv4 / GameServerIPv6 is the address the diverter watches;
	// only packets to/from it are delivered to ReadPacket.
	GameServerIPv4 net.IP
	GameServerIPv6 net.IP

	// ExceptPort is never diverted even if it matches the game server
	// address (spec §4.8: a fixed exception excludes destination port 22).
	ExceptPort uint16
}

// Direction mirrors pcap's capture direction filter.
type Direction int

const (
	DirectionIn Direction = iota
	DirectionOut
	DirectionInOut
)

// RawHandle is the minimal link-layer capture/injection surface. Each
// backend (AF_PACKET, libpcap) implements it; capture.Diverter builds on
// top of whichever one newHandle selects.
type RawHandle interface {
	ZeroCopyReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	WritePacketData(data []byte) error
	SetBPFFilter(filter string) error
	SetDirection(dir Direction) error
	Close()
}
