package rewrite

import (
	"bytes"
	"testing"
)

func TestIPv4Network(t *testing.T) {
	from := [4]byte{203, 0, 113, 5}
	to := [4]byte{198, 51, 100, 9}
	payload := []byte{0x01, 203, 0, 113, 5, 0xFF}

	n := IPv4(payload, from, to, Network)
	want := []byte{0x01, 198, 51, 100, 9, 0xFF}
	if n != 1 {
		t.Fatalf("substitution count = %d, want 1", n)
	}
	if !bytes.Equal(payload, want) {
		t.Fatalf("payload after IPv4(Network) = %v, want %v", payload, want)
	}
}

func TestIPv4Reversed(t *testing.T) {
	from := [4]byte{203, 0, 113, 5}
	to := [4]byte{198, 51, 100, 9}
	// Reversed order stores the address byte-swapped: 5, 113, 0, 203.
	payload := []byte{0x01, 5, 113, 0, 203, 0xFF}

	n := IPv4(payload, from, to, Reversed)
	want := []byte{0x01, 9, 100, 51, 198, 0xFF}
	if n != 1 {
		t.Fatalf("substitution count = %d, want 1", n)
	}
	if !bytes.Equal(payload, want) {
		t.Fatalf("payload after IPv4(Reversed) = %v, want %v", payload, want)
	}
}

func TestIPv4MultipleOccurrences(t *testing.T) {
	from := [4]byte{203, 0, 113, 5}
	to := [4]byte{198, 51, 100, 9}
	payload := []byte{203, 0, 113, 5, 0xAA, 203, 0, 113, 5}

	n := IPv4(payload, from, to, Network)
	want := []byte{198, 51, 100, 9, 0xAA, 198, 51, 100, 9}
	if n != 2 {
		t.Fatalf("substitution count = %d, want 2", n)
	}
	if !bytes.Equal(payload, want) {
		t.Fatalf("payload = %v, want %v", payload, want)
	}
}

func TestIPv4BothIsNoopWhenNoMatch(t *testing.T) {
	from := [4]byte{10, 0, 0, 1}
	to := [4]byte{10, 0, 0, 2}
	payload := []byte("no addresses embedded here")
	original := append([]byte(nil), payload...)

	n := IPv4Both(payload, from, to)
	if n != 0 {
		t.Fatalf("substitution count = %d, want 0", n)
	}
	if !bytes.Equal(payload, original) {
		t.Fatalf("IPv4Both modified payload with no match: %v", payload)
	}
}

func TestIPv4NoopWhenFromEqualsTo(t *testing.T) {
	addr := [4]byte{203, 0, 113, 5}
	payload := []byte{203, 0, 113, 5}
	original := append([]byte(nil), payload...)

	n := IPv4(payload, addr, addr, Network)
	if n != 0 {
		t.Fatalf("substitution count = %d, want 0", n)
	}
	if !bytes.Equal(payload, original) {
		t.Fatalf("payload modified when from == to: %v", payload)
	}
}

// TestIPv4RoundTrip exercises the round-trip invariant: rewriting from->to
// and then to->from on the same buffer restores the original bytes.
func TestIPv4RoundTrip(t *testing.T) {
	from := [4]byte{203, 0, 113, 5}
	to := [4]byte{198, 51, 100, 9}
	payload := []byte{0x01, 203, 0, 113, 5, 0xFF, 203, 0, 113, 5}
	original := append([]byte(nil), payload...)

	IPv4(payload, from, to, Network)
	IPv4(payload, to, from, Network)
	if !bytes.Equal(payload, original) {
		t.Fatalf("round trip = %v, want %v", payload, original)
	}
}

// TestNATHandshake matches the worked example from spec §8: a client at
// 10.20.30.40:51003 rewritten into the 7-byte NAT-discovery packet using
// DNF byte order for the address and little-endian for the port.
func TestNATHandshake(t *testing.T) {
	pkt := []byte{0x02, 1, 1, 1, 1, 0x12, 0x34, 0xAA}
	newIP := [4]byte{10, 20, 30, 40}

	got := NATHandshake(pkt, newIP, 51003)
	if got[0] != 0x02 {
		t.Fatalf("tag byte modified: %v", got)
	}
	wantIP := []byte{40, 30, 20, 10}
	if !bytes.Equal(got[1:5], wantIP) {
		t.Fatalf("IP bytes = %v, want %v (DNF order)", got[1:5], wantIP)
	}
	gotPort := uint16(got[5]) | uint16(got[6])<<8
	if gotPort != 51003 {
		t.Fatalf("port = %d, want 51003 (little-endian)", gotPort)
	}
	if got[7] != 0xAA {
		t.Fatalf("trailing byte corrupted: %v", got)
	}
}

func TestNATHandshakeTooShort(t *testing.T) {
	pkt := []byte{0x02, 1, 2}
	got := NATHandshake(pkt, [4]byte{1, 1, 1, 1}, 80)
	if !bytes.Equal(got, []byte{0x02, 1, 2}) {
		t.Fatalf("expected unmodified short packet, got %v", got)
	}
}
