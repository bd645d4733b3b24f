package netutil

import (
	"fmt"
	"net"
)

// DetectRouteLocalIP finds the local address the kernel would use to reach
// remoteAddr, by opening a UDP socket against it and reading back the
// address the routing table picked. No packet is ever sent: UDP sockets
// only resolve a route on connect. This supplements the relay's explicit
// proxy_local_ip setting for multi-homed hosts where it isn't configured.
func DetectRouteLocalIP(remoteAddr string) (net.IP, error) {
	conn, err := net.Dial("udp", remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("netutil: failed to probe route to %s: %w", remoteAddr, err)
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil, fmt.Errorf("netutil: unexpected local address type %T", conn.LocalAddr())
	}
	return addr.IP, nil
}
