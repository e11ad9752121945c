package proto

import "testing"

func TestShowPacketRoundTrip(t *testing.T) {
	p := ShowPacket{
		Header: UDPHeader{
			Proto:      LWProtoVersion,
			MsgType:    MsgTypeParamDelta,
			PayloadLen: ParamDeltaSize,
			Seq:        42,
			TokenHash:  0xDEADBEEF,
			HubNowUs:   1234567890,
			ApplyAtUs:  1234567999,
		},
		Payload: ParamDelta{
			EffectID:   3,
			PaletteID:  7,
			Brightness: 200,
			Speed:      128,
			Hue:        300,
		},
	}

	buf := p.Encode()
	if len(buf) != ShowPacketSize {
		t.Fatalf("Encode: got %d bytes, want %d", len(buf), ShowPacketSize)
	}

	got, err := DecodeShowPacket(buf)
	if err != nil {
		t.Fatalf("DecodeShowPacket: %v", err)
	}
	if got != p {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, p)
	}
}

func TestDecodeShowPacketShort(t *testing.T) {
	if _, err := DecodeShowPacket(make([]byte, ShowPacketSize-1)); err == nil {
		t.Fatal("expected error for short packet")
	}
}

func TestDecodeShowPacketBadProto(t *testing.T) {
	p := ShowPacket{Header: UDPHeader{Proto: LWProtoVersion + 1, MsgType: MsgTypeParamDelta}}
	buf := p.Encode()
	if _, err := DecodeShowPacket(buf); err == nil {
		t.Fatal("expected error for proto mismatch")
	}
}

func TestDecodeShowPacketBadMsgType(t *testing.T) {
	p := ShowPacket{Header: UDPHeader{Proto: LWProtoVersion, MsgType: 99}}
	buf := p.Encode()
	if _, err := DecodeShowPacket(buf); err == nil {
		t.Fatal("expected error for msg type mismatch")
	}
}

func TestPingPongRoundTrip(t *testing.T) {
	ping := Ping{Proto: LWProtoVersion, Type: TSTypePing, Seq: 1, TokenHash: 99, T1Us: 1000}
	buf := ping.Encode()
	gotPing, err := DecodePing(buf)
	if err != nil {
		t.Fatalf("DecodePing: %v", err)
	}
	if gotPing != ping {
		t.Fatalf("ping round trip mismatch: got %+v, want %+v", gotPing, ping)
	}

	pong := Pong{
		Proto: LWProtoVersion, Type: TSTypePong, Seq: 1, TokenHash: 99,
		T1Us: 1000, T2Us: 1010, T3Us: 1012,
	}
	pbuf := pong.Encode()
	gotPong, err := DecodePong(pbuf)
	if err != nil {
		t.Fatalf("DecodePong: %v", err)
	}
	if gotPong != pong {
		t.Fatalf("pong round trip mismatch: got %+v, want %+v", gotPong, pong)
	}
}

func TestDecodePingWrongType(t *testing.T) {
	p := Ping{Proto: LWProtoVersion, Type: TSTypePong}
	if _, err := DecodePing(p.Encode()); err == nil {
		t.Fatal("expected error for type mismatch")
	}
}
