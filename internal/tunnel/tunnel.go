// Package tunnel implements the framing protocol spoken over tunnel
// connections between a client diverter and the relay (spec §4.7). Every
// fresh connection begins with a 6-byte handshake (no type byte: a 4-byte
// ConnectionId and a 2-byte destination port) that tells the relay what the
// connection is for. After the handshake, TCP-flow and UDP-multiplex
// connections carry a stream of type-tagged frames.
//
// Wire format:
//
//	handshake: [4 byte big-endian ConnectionId][2 byte big-endian dst_port]
//	frame:     [1 byte type][4 byte big-endian ConnectionId]...
//
// MsgTCPPayload and MsgHeartbeat frames continue with a 2-byte length field
// and that many payload bytes. MsgUDPPayload frames carry two additional
// port fields before the length, since a single UDP-multiplex connection
// must distinguish flows by more than ConnectionId alone once a reply comes
// back from the relay (spec §4.5/§4.10).
package tunnel

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"paqet/internal/flowtable"
	"paqet/internal/pkg/buffer"
)

// MsgType is the first byte of every post-handshake frame.
type MsgType byte

const (
	// MsgTCPPayload carries TCP flow payload bytes for ConnectionId.
	MsgTCPPayload MsgType = 0x01
	// MsgHeartbeat carries no payload; it keeps a tunnel connection alive.
	MsgHeartbeat MsgType = 0x02
	// MsgUDPPayload carries UDP datagram payload bytes for ConnectionId,
	// tagged with the source and destination ports of that datagram.
	MsgUDPPayload MsgType = 0x03
)

// handshakeLen is the size of the no-type-byte handshake every fresh
// tunnel connection begins with (spec §4.7).
const handshakeLen = 4 + 2

// tcpHeaderLen is the MsgTCPPayload/MsgHeartbeat frame header: type,
// ConnectionId, length.
const tcpHeaderLen = 1 + 4 + 2

// udpHeaderLen is the MsgUDPPayload frame header: type, ConnectionId,
// src_port, dst_port, length.
const udpHeaderLen = 1 + 4 + 2 + 2 + 2

// LivenessConnID and LivenessPort identify the liveness-probe handshake
// variant: a fresh connection whose only purpose is to prove the relay is
// reachable. The relay closes it immediately after reading the handshake,
// without writing anything back (spec §4.7).
const (
	LivenessConnID flowtable.ConnectionId = 0
	LivenessPort   uint16                 = 65535
)

// BootstrapPort is the dst_port paired with flowtable.BootstrapConnectionId
// to request UDP-multiplex mode (spec §4.5/§4.9).
const BootstrapPort uint16 = 10011

// Frame is one decoded post-handshake tunnel message. SrcPort/DstPort are
// only meaningful for MsgUDPPayload.
type Frame struct {
	Type    MsgType
	ConnID  flowtable.ConnectionId
	SrcPort uint16
	DstPort uint16
	Payload []byte
}

// MaxPayload is the largest payload a single frame can carry; the two-byte
// length field caps it at 65535 but frames are kept well under typical MTU
// multiples in practice by the flow engines.
const MaxPayload = 65535

// WriteHandshake writes the 6-byte handshake that begins every fresh
// tunnel connection: a ConnectionId and a destination port, with no
// leading type byte (spec §4.7).
func WriteHandshake(w io.Writer, connID flowtable.ConnectionId, dstPort uint16) error {
	var hs [handshakeLen]byte
	binary.BigEndian.PutUint32(hs[0:4], uint32(connID))
	binary.BigEndian.PutUint16(hs[4:6], dstPort)
	_, err := w.Write(hs[:])
	return err
}

// ReadHandshake reads the 6-byte handshake that begins every fresh tunnel
// connection.
func ReadHandshake(r io.Reader) (flowtable.ConnectionId, uint16, error) {
	var hs [handshakeLen]byte
	if _, err := io.ReadFull(r, hs[:]); err != nil {
		return 0, 0, err
	}
	return flowtable.ConnectionId(binary.BigEndian.Uint32(hs[0:4])), binary.BigEndian.Uint16(hs[4:6]), nil
}

// WriteUDPBootstrapHandshake writes the UDP-multiplex handshake (spec
// §4.5): the reserved bootstrap ConnectionId and fixed port, followed by
// the client's chosen IPv4 as four raw network-order bytes.
func WriteUDPBootstrapHandshake(w io.Writer, clientIP [4]byte) error {
	if err := WriteHandshake(w, flowtable.BootstrapConnectionId, BootstrapPort); err != nil {
		return err
	}
	_, err := w.Write(clientIP[:])
	return err
}

// ReadUDPBootstrapAck reads a 6-byte reply in handshake format following a
// UDP-multiplex handshake. The relay in this repository sends no such reply
// (its UDP-multiplex session starts framed traffic straight away), and
// nothing here calls this function.
func ReadUDPBootstrapAck(r io.Reader) (flowtable.ConnectionId, uint16, error) {
	return ReadHandshake(r)
}

// WriteTCP writes a MsgTCPPayload frame.
func WriteTCP(w io.Writer, connID flowtable.ConnectionId, payload []byte) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("tunnel: payload too large: %d bytes", len(payload))
	}
	var header [tcpHeaderLen]byte
	header[0] = byte(MsgTCPPayload)
	binary.BigEndian.PutUint32(header[1:5], uint32(connID))
	binary.BigEndian.PutUint16(header[5:7], uint16(len(payload)))
	return writeFramed(w, header[:], payload)
}

// WriteHeartbeat writes a plain keepalive frame for connID.
func WriteHeartbeat(w io.Writer, connID flowtable.ConnectionId) error {
	var header [tcpHeaderLen]byte
	header[0] = byte(MsgHeartbeat)
	binary.BigEndian.PutUint32(header[1:5], uint32(connID))
	return writeFramed(w, header[:], nil)
}

// WriteUDP writes a MsgUDPPayload frame, tagged with the datagram's source
// and destination ports (spec §4.5/§4.10).
func WriteUDP(w io.Writer, connID flowtable.ConnectionId, srcPort, dstPort uint16, payload []byte) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("tunnel: payload too large: %d bytes", len(payload))
	}
	var header [udpHeaderLen]byte
	header[0] = byte(MsgUDPPayload)
	binary.BigEndian.PutUint32(header[1:5], uint32(connID))
	binary.BigEndian.PutUint16(header[5:7], srcPort)
	binary.BigEndian.PutUint16(header[7:9], dstPort)
	binary.BigEndian.PutUint16(header[9:11], uint16(len(payload)))
	return writeFramed(w, header[:], payload)
}

func writeFramed(w io.Writer, header, payload []byte) error {
	bufs := net.Buffers{header}
	if len(payload) > 0 {
		bufs = append(bufs, payload)
	}
	_, err := bufs.WriteTo(w)
	return err
}

// ReadFrame reads and decodes one post-handshake frame from r. Payload
// messages use a pooled buffer from buffer.UPool for the payload; callers
// must copy it out before the buffer can be reused, which ReadFrame itself
// cannot do since ownership passes to the caller. For TCP payload
// messages, which can run larger, buffer.TPool is used instead.
func ReadFrame(r io.Reader) (Frame, func(), error) {
	var typeAndID [5]byte
	if _, err := io.ReadFull(r, typeAndID[:]); err != nil {
		return Frame{}, func() {}, err
	}

	f := Frame{
		Type:   MsgType(typeAndID[0]),
		ConnID: flowtable.ConnectionId(binary.BigEndian.Uint32(typeAndID[1:5])),
	}

	switch f.Type {
	case MsgHeartbeat:
		var lenBuf [2]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return Frame{}, func() {}, err
		}
		return f, func() {}, nil
	case MsgTCPPayload:
		var lenBuf [2]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return Frame{}, func() {}, err
		}
		return readPayload(r, f, int(binary.BigEndian.Uint16(lenBuf[:])), &buffer.TPool)
	case MsgUDPPayload:
		var rest [6]byte
		if _, err := io.ReadFull(r, rest[:]); err != nil {
			return Frame{}, func() {}, err
		}
		f.SrcPort = binary.BigEndian.Uint16(rest[0:2])
		f.DstPort = binary.BigEndian.Uint16(rest[2:4])
		length := int(binary.BigEndian.Uint16(rest[4:6]))
		return readPayload(r, f, length, &buffer.UPool)
	default:
		return Frame{}, func() {}, fmt.Errorf("tunnel: unknown message type 0x%02x", typeAndID[0])
	}
}

func readPayload(r io.Reader, f Frame, length int, pool *sync.Pool) (Frame, func(), error) {
	if length == 0 {
		return f, func() {}, nil
	}
	bufp := pool.Get().(*[]byte)
	buf := *bufp
	if length > len(buf) {
		pool.Put(bufp)
		return Frame{}, func() {}, fmt.Errorf("tunnel: frame payload %d exceeds pooled buffer", length)
	}
	if _, err := io.ReadFull(r, buf[:length]); err != nil {
		pool.Put(bufp)
		return Frame{}, func() {}, err
	}
	f.Payload = buf[:length]
	return f, func() { pool.Put(bufp) }, nil
}
