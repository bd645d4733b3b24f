package tunnel

import (
	"bytes"
	"testing"

	"paqet/internal/flowtable"
)

func TestWriteReadHandshake(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteHandshake(&buf, flowtable.ConnectionId(100007), 27015); err != nil {
		t.Fatalf("WriteHandshake: %v", err)
	}
	connID, dstPort, err := ReadHandshake(&buf)
	if err != nil {
		t.Fatalf("ReadHandshake: %v", err)
	}
	if connID != 100007 || dstPort != 27015 {
		t.Fatalf("got (%d, %d), want (100007, 27015)", connID, dstPort)
	}
}

func TestWriteReadTCPPayload(t *testing.T) {
	var buf bytes.Buffer
	connID := flowtable.ConnectionId(100007)
	payload := []byte("game state delta")

	if err := WriteTCP(&buf, connID, payload); err != nil {
		t.Fatalf("WriteTCP: %v", err)
	}

	frame, release, err := ReadFrame(&buf)
	defer release()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if frame.Type != MsgTCPPayload {
		t.Fatalf("Type = %v, want MsgTCPPayload", frame.Type)
	}
	if frame.ConnID != connID {
		t.Fatalf("ConnID = %d, want %d", frame.ConnID, connID)
	}
	if !bytes.Equal(frame.Payload, payload) {
		t.Fatalf("Payload = %q, want %q", frame.Payload, payload)
	}
}

// TestUDPBootstrapFrameByteExact reproduces the literal wire bytes from the
// worked "UDP bootstrap" example: ConnectionId 100000, src_port 5063,
// dst_port 10011, a 20-byte payload.
func TestUDPBootstrapFrameByteExact(t *testing.T) {
	var buf bytes.Buffer
	connID := flowtable.ConnectionId(100000)
	payload := make([]byte, 20)
	for i := range payload {
		payload[i] = byte(i)
	}

	if err := WriteUDP(&buf, connID, 5063, 10011, payload); err != nil {
		t.Fatalf("WriteUDP: %v", err)
	}

	got := buf.Bytes()[:udpHeaderLen]
	want := []byte{0x03, 0x00, 0x01, 0x86, 0xA0, 0x13, 0xC7, 0x27, 0x1B, 0x00, 0x14}
	if !bytes.Equal(got, want) {
		t.Fatalf("header = % X, want % X", got, want)
	}

	frame, release, err := ReadFrame(&buf)
	defer release()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if frame.Type != MsgUDPPayload || frame.ConnID != connID {
		t.Fatalf("unexpected frame: %+v", frame)
	}
	if frame.SrcPort != 5063 || frame.DstPort != 10011 {
		t.Fatalf("ports = (%d, %d), want (5063, 10011)", frame.SrcPort, frame.DstPort)
	}
	if !bytes.Equal(frame.Payload, payload) {
		t.Fatalf("Payload = %v, want %v", frame.Payload, payload)
	}
}

func TestHeartbeatRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	connID := flowtable.ConnectionId(55)

	if err := WriteHeartbeat(&buf, connID); err != nil {
		t.Fatalf("WriteHeartbeat: %v", err)
	}
	frame, release, err := ReadFrame(&buf)
	defer release()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if frame.Type != MsgHeartbeat || frame.ConnID != connID {
		t.Fatalf("unexpected frame: %+v", frame)
	}
	if frame.Payload != nil {
		t.Fatalf("heartbeat should carry no payload, got %v", frame.Payload)
	}
}

func TestLivenessHandshakeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteHandshake(&buf, LivenessConnID, LivenessPort); err != nil {
		t.Fatalf("WriteHandshake: %v", err)
	}
	connID, dstPort, err := ReadHandshake(&buf)
	if err != nil {
		t.Fatalf("ReadHandshake: %v", err)
	}
	if connID != LivenessConnID || dstPort != LivenessPort {
		t.Fatalf("got (%d, %d), want (%d, %d)", connID, dstPort, LivenessConnID, LivenessPort)
	}
}

func TestUDPBootstrapHandshakeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	clientIP := [4]byte{198, 51, 100, 9}
	if err := WriteUDPBootstrapHandshake(&buf, clientIP); err != nil {
		t.Fatalf("WriteUDPBootstrapHandshake: %v", err)
	}
	connID, dstPort, err := ReadHandshake(&buf)
	if err != nil {
		t.Fatalf("ReadHandshake: %v", err)
	}
	if connID != flowtable.BootstrapConnectionId {
		t.Fatalf("ConnID = %d, want bootstrap sentinel", connID)
	}
	if dstPort != BootstrapPort {
		t.Fatalf("dstPort = %d, want %d", dstPort, BootstrapPort)
	}
	var ip [4]byte
	if _, err := buf.Read(ip[:]); err != nil {
		t.Fatalf("reading trailing client IP: %v", err)
	}
	if ip != clientIP {
		t.Fatalf("client IP = %v, want %v", ip, clientIP)
	}
}

func TestReadFrameUnknownType(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0x7F, 0, 0, 0, 0})
	_, release, err := ReadFrame(buf)
	defer release()
	if err == nil {
		t.Fatalf("expected error for unknown message type")
	}
}

func TestPayloadTooLarge(t *testing.T) {
	var buf bytes.Buffer
	big := make([]byte, MaxPayload+1)
	if err := WriteTCP(&buf, 1, big); err == nil {
		t.Fatalf("expected error writing oversized TCP payload")
	}
	if err := WriteUDP(&buf, 1, 1, 2, big); err == nil {
		t.Fatalf("expected error writing oversized UDP payload")
	}
}

func TestMultipleFramesSequential(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteTCP(&buf, 1, []byte("first")); err != nil {
		t.Fatalf("write first: %v", err)
	}
	if err := WriteUDP(&buf, 2, 40000, 27015, []byte("second")); err != nil {
		t.Fatalf("write second: %v", err)
	}

	f1, release1, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("read first: %v", err)
	}
	if string(f1.Payload) != "first" {
		t.Fatalf("first payload = %q", f1.Payload)
	}
	release1()

	f2, release2, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("read second: %v", err)
	}
	if string(f2.Payload) != "second" {
		t.Fatalf("second payload = %q", f2.Payload)
	}
	if f2.SrcPort != 40000 || f2.DstPort != 27015 {
		t.Fatalf("second ports = (%d, %d), want (40000, 27015)", f2.SrcPort, f2.DstPort)
	}
	release2()
}
