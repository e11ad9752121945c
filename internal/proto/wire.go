// Package proto defines the wire formats shared by the hub and node
// processes: the binary UDP fanout packet, the binary UDP time-sync
// packets, and the JSON WebSocket control envelope.
package proto

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
)

// LWProtoVersion is the single supported wire protocol version. Packets
// carrying any other value are dropped by the receiver.
const LWProtoVersion uint8 = 1

// HashToken reduces an opaque per-session token to the 32-bit value carried
// in every data-plane packet (ShowPacket header, Ping, Pong), so the raw
// token never has to travel over UDP. An empty token hashes to 0, which
// callers treat as "unauthenticated" (fanout skips it, the hub never
// accepts it as a valid credential).
func HashToken(token string) uint32 {
	if token == "" {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(token))
	sum := h.Sum32()
	if sum == 0 {
		// Avoid colliding with the "no token" sentinel; vanishingly rare.
		sum = 1
	}
	return sum
}

// Data-plane message types.
const (
	MsgTypeParamDelta uint8 = 1
)

// Time-sync packet types.
const (
	TSTypePing uint8 = 1
	TSTypePong uint8 = 2
)

// UDPHeaderSize is the encoded size of UDPHeader in bytes.
const UDPHeaderSize = 1 + 1 + 2 + 4 + 4 + 8 + 8

// ParamDeltaSize is the encoded size of ParamDelta in bytes.
const ParamDeltaSize = 1 + 1 + 1 + 1 + 2

// ShowPacketSize is the total size of a fanout packet on the wire.
const ShowPacketSize = UDPHeaderSize + ParamDeltaSize

// UDPHeader is the fixed header prepended to every fanout UDP packet.
type UDPHeader struct {
	Proto      uint8
	MsgType    uint8
	PayloadLen uint16
	Seq        uint32
	TokenHash  uint32
	HubNowUs   uint64
	ApplyAtUs  uint64
}

// ParamDelta is the data-plane payload carried by PARAM_DELTA packets.
type ParamDelta struct {
	EffectID   uint8
	PaletteID  uint8
	Brightness uint8
	Speed      uint8
	Hue        uint16
}

// ShowPacket is a header+payload fanout packet, ready for encoding.
type ShowPacket struct {
	Header  UDPHeader
	Payload ParamDelta
}

// Encode serializes p to network byte order.
func (p ShowPacket) Encode() []byte {
	buf := make([]byte, ShowPacketSize)
	buf[0] = p.Header.Proto
	buf[1] = p.Header.MsgType
	binary.BigEndian.PutUint16(buf[2:4], p.Header.PayloadLen)
	binary.BigEndian.PutUint32(buf[4:8], p.Header.Seq)
	binary.BigEndian.PutUint32(buf[8:12], p.Header.TokenHash)
	binary.BigEndian.PutUint64(buf[12:20], p.Header.HubNowUs)
	binary.BigEndian.PutUint64(buf[20:28], p.Header.ApplyAtUs)

	o := UDPHeaderSize
	buf[o] = p.Payload.EffectID
	buf[o+1] = p.Payload.PaletteID
	buf[o+2] = p.Payload.Brightness
	buf[o+3] = p.Payload.Speed
	binary.BigEndian.PutUint16(buf[o+4:o+6], p.Payload.Hue)
	return buf
}

// DecodeShowPacket parses a fanout packet. It returns an error (rather than
// panicking) on malformed input so the caller can drop-and-count it.
func DecodeShowPacket(b []byte) (ShowPacket, error) {
	if len(b) < ShowPacketSize {
		return ShowPacket{}, fmt.Errorf("short packet: %d bytes", len(b))
	}
	var p ShowPacket
	p.Header.Proto = b[0]
	p.Header.MsgType = b[1]
	p.Header.PayloadLen = binary.BigEndian.Uint16(b[2:4])
	p.Header.Seq = binary.BigEndian.Uint32(b[4:8])
	p.Header.TokenHash = binary.BigEndian.Uint32(b[8:12])
	p.Header.HubNowUs = binary.BigEndian.Uint64(b[12:20])
	p.Header.ApplyAtUs = binary.BigEndian.Uint64(b[20:28])

	if p.Header.Proto != LWProtoVersion {
		return ShowPacket{}, fmt.Errorf("proto mismatch: got %d want %d", p.Header.Proto, LWProtoVersion)
	}
	if p.Header.MsgType != MsgTypeParamDelta {
		return ShowPacket{}, fmt.Errorf("unexpected msg type %d", p.Header.MsgType)
	}

	o := UDPHeaderSize
	p.Payload.EffectID = b[o]
	p.Payload.PaletteID = b[o+1]
	p.Payload.Brightness = b[o+2]
	p.Payload.Speed = b[o+3]
	p.Payload.Hue = binary.BigEndian.Uint16(b[o+4 : o+6])
	return p, nil
}

// TimeSyncPingSize is the encoded size of a Ping packet.
const TimeSyncPingSize = 1 + 1 + 2 + 4 + 4 + 8

// TimeSyncPongSize is the encoded size of a Pong packet.
const TimeSyncPongSize = TimeSyncPingSize + 8 + 8

// Ping is sent node → hub to begin a time-sync round.
type Ping struct {
	Proto     uint8
	Type      uint8
	Reserved  uint16
	Seq       uint32
	TokenHash uint32
	T1Us      uint64
}

// Encode serializes the ping to network byte order.
func (p Ping) Encode() []byte {
	buf := make([]byte, TimeSyncPingSize)
	buf[0] = p.Proto
	buf[1] = p.Type
	binary.BigEndian.PutUint16(buf[2:4], p.Reserved)
	binary.BigEndian.PutUint32(buf[4:8], p.Seq)
	binary.BigEndian.PutUint32(buf[8:12], p.TokenHash)
	binary.BigEndian.PutUint64(buf[12:20], p.T1Us)
	return buf
}

// DecodePing parses a ping packet, validating proto and type.
func DecodePing(b []byte) (Ping, error) {
	if len(b) < TimeSyncPingSize {
		return Ping{}, fmt.Errorf("short ping: %d bytes", len(b))
	}
	var p Ping
	p.Proto = b[0]
	p.Type = b[1]
	p.Reserved = binary.BigEndian.Uint16(b[2:4])
	p.Seq = binary.BigEndian.Uint32(b[4:8])
	p.TokenHash = binary.BigEndian.Uint32(b[8:12])
	p.T1Us = binary.BigEndian.Uint64(b[12:20])
	if p.Proto != LWProtoVersion {
		return Ping{}, fmt.Errorf("proto mismatch: got %d want %d", p.Proto, LWProtoVersion)
	}
	if p.Type != TSTypePing {
		return Ping{}, fmt.Errorf("type mismatch: got %d want PING", p.Type)
	}
	return p, nil
}

// Pong is the hub's reply, carrying all three hub-observed timestamps.
type Pong struct {
	Proto     uint8
	Type      uint8
	Reserved  uint16
	Seq       uint32
	TokenHash uint32
	T1Us      uint64
	T2Us      uint64
	T3Us      uint64
}

// Encode serializes the pong to network byte order.
func (p Pong) Encode() []byte {
	buf := make([]byte, TimeSyncPongSize)
	buf[0] = p.Proto
	buf[1] = p.Type
	binary.BigEndian.PutUint16(buf[2:4], p.Reserved)
	binary.BigEndian.PutUint32(buf[4:8], p.Seq)
	binary.BigEndian.PutUint32(buf[8:12], p.TokenHash)
	binary.BigEndian.PutUint64(buf[12:20], p.T1Us)
	binary.BigEndian.PutUint64(buf[20:28], p.T2Us)
	binary.BigEndian.PutUint64(buf[28:36], p.T3Us)
	return buf
}

// DecodePong parses a pong packet, validating proto and type.
func DecodePong(b []byte) (Pong, error) {
	if len(b) < TimeSyncPongSize {
		return Pong{}, fmt.Errorf("short pong: %d bytes", len(b))
	}
	var p Pong
	p.Proto = b[0]
	p.Type = b[1]
	p.Reserved = binary.BigEndian.Uint16(b[2:4])
	p.Seq = binary.BigEndian.Uint32(b[4:8])
	p.TokenHash = binary.BigEndian.Uint32(b[8:12])
	p.T1Us = binary.BigEndian.Uint64(b[12:20])
	p.T2Us = binary.BigEndian.Uint64(b[20:28])
	p.T3Us = binary.BigEndian.Uint64(b[28:36])
	if p.Proto != LWProtoVersion {
		return Pong{}, fmt.Errorf("proto mismatch: got %d want %d", p.Proto, LWProtoVersion)
	}
	if p.Type != TSTypePong {
		return Pong{}, fmt.Errorf("type mismatch: got %d want PONG", p.Type)
	}
	return p, nil
}
