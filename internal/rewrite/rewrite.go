// Package rewrite substitutes IP addresses embedded in application-layer
// payloads (spec §4.2), so a game client talking to the relay never learns
// the client's real address and a game server talking to the relay never
// learns it is actually a tunnel. The original game protocol occasionally
// embeds a peer's IPv4 address in its payload in two different byte orders;
// both are rewritten in place.
package rewrite

// Order selects how a 4-byte IPv4 address is laid out inside a payload.
type Order int

const (
	// Network is the ordinary big-endian on-the-wire byte order
	// (the same order net.IP.To4() uses).
	Network Order = iota
	// Reversed is the byte-swapped order some game payloads use
	// (observed in the original client/relay exchange; spec calls it
	// "DNF order" after the title that first needed it).
	Reversed
)

// IPv4 rewrites every occurrence of from with to inside payload, in place,
// for the given byte Order. from and to must both be 4-byte (IPv4)
// addresses. The return value is the number of substitutions made (spec
// §4.2); callers that only care whether anything changed can compare it
// against zero.
func IPv4(payload []byte, from, to [4]byte, order Order) int {
	needle := encode(from, order)
	replacement := encode(to, order)
	if needle == replacement {
		return 0
	}

	count := 0
	for i := 0; i+4 <= len(payload); i++ {
		if payload[i] == needle[0] && payload[i+1] == needle[1] && payload[i+2] == needle[2] && payload[i+3] == needle[3] {
			payload[i], payload[i+1], payload[i+2], payload[i+3] = replacement[0], replacement[1], replacement[2], replacement[3]
			count++
			i += 3 // skip past the bytes just written
		}
	}
	return count
}

// IPv4Both applies both Network and Reversed rewrites in sequence, the
// common case when the payload format is not known to use only one order.
// It returns the total substitution count across both orders.
func IPv4Both(payload []byte, from, to [4]byte) int {
	n := IPv4(payload, from, to, Network)
	n += IPv4(payload, from, to, Reversed)
	return n
}

func encode(addr [4]byte, order Order) [4]byte {
	if order == Network {
		return addr
	}
	return [4]byte{addr[3], addr[2], addr[1], addr[0]}
}

// NATHandshake rewrites the 7-byte UDP NAT-discovery packet described in
// spec §4.10/§6 in place: byte 0 is a message tag, bytes 1-4 are an IPv4
// address in DNF order (byte-swapped), bytes 5-6 are a little-endian port.
func NATHandshake(pkt []byte, newIP [4]byte, newPort uint16) []byte {
	if len(pkt) < 7 {
		return pkt
	}
	pkt[1], pkt[2], pkt[3], pkt[4] = newIP[3], newIP[2], newIP[1], newIP[0]
	pkt[5] = byte(newPort)
	pkt[6] = byte(newPort >> 8)
	return pkt
}
