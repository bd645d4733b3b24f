package tcpflow

import (
	"bytes"
	"io"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"paqet/internal/flowtable"
	"paqet/internal/ippkt"
	"paqet/internal/tunnel"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

// recordingInjector captures every injected IP packet for inspection.
type recordingInjector struct {
	mu      sync.Mutex
	packets [][]byte
}

func (r *recordingInjector) WritePacket(data []byte, isIPv6 bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	r.packets = append(r.packets, cp)
	return nil
}

func (r *recordingInjector) last(t *testing.T) *layers.TCP {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.packets) == 0 {
		t.Fatalf("no packets injected")
	}
	pkt := gopacket.NewPacket(r.packets[len(r.packets)-1], layers.LayerTypeIPv4, gopacket.Default)
	tcpLayer := pkt.Layer(layers.LayerTypeTCP)
	if tcpLayer == nil {
		t.Fatalf("last injected packet has no TCP layer")
	}
	return tcpLayer.(*layers.TCP)
}

func (r *recordingInjector) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.packets)
}

// fakeRelay drains one end of a net.Pipe as a stand-in for the relay: it
// reads the 6-byte handshake, then records every MsgTCPPayload frame it
// sees so tests can assert on what the flow forwarded.
type fakeRelay struct {
	mu       sync.Mutex
	conn     net.Conn
	connID   flowtable.ConnectionId
	dstPort  uint16
	payloads [][]byte
}

func newFakeRelay(conn net.Conn) *fakeRelay {
	fr := &fakeRelay{conn: conn}
	go fr.run()
	return fr
}

func (fr *fakeRelay) run() {
	connID, dstPort, err := tunnel.ReadHandshake(fr.conn)
	if err != nil {
		return
	}
	fr.mu.Lock()
	fr.connID, fr.dstPort = connID, dstPort
	fr.mu.Unlock()

	for {
		frame, release, err := tunnel.ReadFrame(fr.conn)
		if err != nil {
			return
		}
		if frame.Type == tunnel.MsgTCPPayload && len(frame.Payload) > 0 {
			cp := append([]byte(nil), frame.Payload...)
			fr.mu.Lock()
			fr.payloads = append(fr.payloads, cp)
			fr.mu.Unlock()
		}
		release()
	}
}

// deliver writes a MsgTCPPayload frame from the fake relay back to the flow.
func (fr *fakeRelay) deliver(connID flowtable.ConnectionId, payload []byte) error {
	return tunnel.WriteTCP(fr.conn, connID, payload)
}

func (fr *fakeRelay) lastPayload() []byte {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	if len(fr.payloads) == 0 {
		return nil
	}
	return fr.payloads[len(fr.payloads)-1]
}

// pipeDialer returns a Dialer backed by a single net.Pipe pair, plus the
// fakeRelay draining the far end.
func pipeDialer(t *testing.T) (Dialer, *fakeRelay) {
	t.Helper()
	client, relay := net.Pipe()
	fr := newFakeRelay(relay)
	used := false
	dial := func() (io.ReadWriteCloser, error) {
		if used {
			t.Fatalf("dial called more than once for a single-flow test")
		}
		used = true
		return client, nil
	}
	return dial, fr
}

func newTestFlow(t *testing.T, inj *recordingInjector) (*Flow, *fakeRelay) {
	t.Helper()
	key := flowtable.FlowKey{SrcIP: netip.MustParseAddr("198.51.100.9"), SrcPort: 51000, DstPort: 27015}
	dial, fr := pipeDialer(t)
	f := New(key, flowtable.ConnectionId(100001), net.ParseIP("203.0.113.5"), net.ParseIP("198.51.100.9"), false, dial, inj, nil)
	return f, fr
}

func TestOnSynSendsSynAck(t *testing.T) {
	inj := &recordingInjector{}
	f, _ := newTestFlow(t, inj)

	if err := f.OnSyn(5000, 8192); err != nil {
		t.Fatalf("OnSyn: %v", err)
	}

	tcp := inj.last(t)
	if !tcp.SYN || !tcp.ACK {
		t.Fatalf("expected SYN+ACK, got %+v", tcp)
	}
	if tcp.Seq != InitialServerSeq {
		t.Fatalf("Seq = %d, want %d", tcp.Seq, InitialServerSeq)
	}
	if tcp.Ack != 5001 {
		t.Fatalf("Ack = %d, want 5001", tcp.Ack)
	}
	f.Close()
}

func TestOnDataForwardsAndAcks(t *testing.T) {
	inj := &recordingInjector{}
	f, fr := newTestFlow(t, inj)
	defer f.Close()

	if err := f.OnSyn(5000, 8192); err != nil {
		t.Fatalf("OnSyn: %v", err)
	}
	f.OnAck(InitialServerSeq+1, 8192)

	payload := []byte("client hello")
	if err := f.OnData(5001, InitialServerSeq+1, payload, 8192); err != nil {
		t.Fatalf("OnData: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(fr.lastPayload()) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !bytes.Equal(fr.lastPayload(), payload) {
		t.Fatalf("forwarded payload = %q, want %q", fr.lastPayload(), payload)
	}

	tcp := inj.last(t)
	if !tcp.ACK || tcp.SYN {
		t.Fatalf("expected plain ACK after data, got %+v", tcp)
	}
	if tcp.Ack != 5001+uint32(len(payload)) {
		t.Fatalf("Ack = %d, want %d", tcp.Ack, 5001+uint32(len(payload)))
	}
}

func TestOnDataUpdatesClientAckedSeq(t *testing.T) {
	inj := &recordingInjector{}
	f, _ := newTestFlow(t, inj)
	defer f.Close()

	if err := f.OnSyn(5000, 200); err != nil {
		t.Fatalf("OnSyn: %v", err)
	}
	// Deliver more than the window would allow if clientAckedSeq never moved.
	big := bytes.Repeat([]byte{0x41}, 150)
	if err := f.Deliver(big); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	first := inj.last(t)
	if len(first.Payload) != 150 {
		t.Fatalf("sent %d bytes, want 150 within initial window", len(first.Payload))
	}

	// The client's next data segment's ack field should move clientAckedSeq
	// forward even though OnAck was never called directly.
	if err := f.OnData(5001, InitialServerSeq+150, []byte("x"), 200); err != nil {
		t.Fatalf("OnData: %v", err)
	}

	f.mu.Lock()
	got := f.clientAckedSeq
	f.mu.Unlock()
	if got != InitialServerSeq+150 {
		t.Fatalf("clientAckedSeq = %d, want %d", got, InitialServerSeq+150)
	}
}

func TestOnDataRejectsOutOfOrder(t *testing.T) {
	inj := &recordingInjector{}
	f, _ := newTestFlow(t, inj)
	defer f.Close()

	if err := f.OnSyn(5000, 8192); err != nil {
		t.Fatalf("OnSyn: %v", err)
	}
	if err := f.OnData(9999, InitialServerSeq+1, []byte("x"), 8192); err == nil {
		t.Fatalf("expected error for out-of-order segment")
	}
}

func TestDeliverRespectsWindow(t *testing.T) {
	inj := &recordingInjector{}
	f, _ := newTestFlow(t, inj)
	defer f.Close()

	if err := f.OnSyn(5000, 8192); err != nil {
		t.Fatalf("OnSyn: %v", err)
	}
	// Handshake ACK with a tiny window.
	f.OnAck(InitialServerSeq+1, 10)

	big := bytes.Repeat([]byte{0x41}, 100)
	if err := f.Deliver(big); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	tcp := inj.last(t)
	if len(tcp.Payload) != 10 {
		t.Fatalf("sent %d bytes, want capped at window size 10", len(tcp.Payload))
	}

	// Open the window by acking what was sent; remaining bytes should drain.
	f.OnAck(InitialServerSeq+1+10, 8192)
	tcp = inj.last(t)
	if len(tcp.Payload) != 90 {
		t.Fatalf("sent %d bytes after window opened, want 90", len(tcp.Payload))
	}
}

func TestDrainProbesOnZeroWindow(t *testing.T) {
	oldInterval, oldWarn := windowProbeInterval, windowZeroWarnAfter
	windowProbeInterval = 10 * time.Millisecond
	windowZeroWarnAfter = 50 * time.Millisecond
	defer func() { windowProbeInterval, windowZeroWarnAfter = oldInterval, oldWarn }()

	inj := &recordingInjector{}
	f, _ := newTestFlow(t, inj)
	defer f.Close()

	if err := f.OnSyn(5000, 8192); err != nil {
		t.Fatalf("OnSyn: %v", err)
	}
	// Zero the client's window before any data is buffered.
	f.OnAck(InitialServerSeq+1, 0)

	if err := f.Deliver([]byte("buffered")); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	before := inj.count()
	deadline := time.Now().Add(500 * time.Millisecond)
	for inj.count() <= before && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	probe := inj.last(t)
	if len(probe.Payload) != 1 {
		t.Fatalf("zero-window probe payload len = %d, want 1", len(probe.Payload))
	}
	if probe.Seq != InitialServerSeq+1 {
		t.Fatalf("probe Seq = %d, want unchanged %d (probe must not advance serverSeq)", probe.Seq, InitialServerSeq+1)
	}
}

func TestOnFinSendsFin(t *testing.T) {
	inj := &recordingInjector{}
	f, _ := newTestFlow(t, inj)
	defer f.Close()

	if err := f.OnSyn(5000, 8192); err != nil {
		t.Fatalf("OnSyn: %v", err)
	}
	f.OnAck(InitialServerSeq+1, 8192)

	if err := f.OnFin(5001); err != nil {
		t.Fatalf("OnFin: %v", err)
	}

	tcp := inj.last(t)
	if !tcp.FIN {
		t.Fatalf("expected FIN segment, got %+v", tcp)
	}
	if f.Closed() {
		t.Fatalf("flow should not be fully closed until our FIN is acked")
	}

	f.OnAck(tcp.Seq+1, 8192)
	if !f.Closed() {
		t.Fatalf("expected flow closed after FIN acked")
	}
}

func TestBuildTCPGroundworkUsesIppkt(t *testing.T) {
	// Sanity check that tcpflow and ippkt agree on header shape for a
	// minimal segment, since tcpflow depends on ippkt.BuildTCP directly.
	data, err := ippkt.BuildTCP(net.ParseIP("203.0.113.5"), net.ParseIP("198.51.100.9"), ippkt.TCPFields{
		SrcPort: 27015, DstPort: 51000, Seq: 1, Ack: 1, ACK: true, Window: 1000,
	}, nil)
	if err != nil {
		t.Fatalf("BuildTCP: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("expected non-empty packet")
	}
}
