package sshpacket

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
)

func TestFrameUnframeRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		msgType byte
		payload []byte
	}{
		{name: "empty payload", msgType: MsgNewKeys, payload: []byte{}},
		{name: "short payload", msgType: MsgChannelData, payload: []byte("hi")},
		{name: "exact block boundary", msgType: MsgIgnore, payload: make([]byte, 7)},
		{name: "long payload", msgType: MsgKexInit, payload: bytes.Repeat([]byte("x"), 300)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wire, err := Frame(tt.msgType, tt.payload)
			if err != nil {
				t.Fatalf("Frame() error = %v", err)
			}
			if len(wire)%blockSize != 0 {
				t.Errorf("framed length %d not a multiple of block size %d", len(wire), blockSize)
			}

			pkt, consumed, err := Unframe(wire, 1<<20)
			if err != nil {
				t.Fatalf("Unframe() error = %v", err)
			}
			if consumed != len(wire) {
				t.Errorf("consumed = %d, want %d", consumed, len(wire))
			}
			if pkt.Type != tt.msgType {
				t.Errorf("Type = %d, want %d", pkt.Type, tt.msgType)
			}
			if !bytes.Equal(pkt.Payload, tt.payload) {
				t.Errorf("Payload = %v, want %v", pkt.Payload, tt.payload)
			}
		})
	}
}

func TestUnframeShortBuffer(t *testing.T) {
	wire, err := Frame(MsgNewKeys, []byte("hello"))
	if err != nil {
		t.Fatalf("Frame() error = %v", err)
	}

	for n := 0; n < len(wire); n++ {
		_, _, err := Unframe(wire[:n], 1<<20)
		if !errors.Is(err, ErrShortBuffer) {
			t.Errorf("Unframe(%d bytes) error = %v, want ErrShortBuffer", n, err)
		}
	}
}

func TestUnframeTooLarge(t *testing.T) {
	wire, err := Frame(MsgNewKeys, make([]byte, 100))
	if err != nil {
		t.Fatalf("Frame() error = %v", err)
	}
	_, _, err = Unframe(wire, 10)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("Unframe() error = %v, want ErrFrameTooLarge", err)
	}
}

func TestUnframeInvalidPadding(t *testing.T) {
	wire, err := Frame(MsgNewKeys, []byte("x"))
	if err != nil {
		t.Fatalf("Frame() error = %v", err)
	}
	wire[4] = 0 // padding length below minPadding
	_, _, err = Unframe(wire, 1<<20)
	if !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("Unframe() error = %v, want ErrInvalidFrame", err)
	}
}

func TestPacketReadHelpers(t *testing.T) {
	buf := WriteByte(nil, 1)
	buf = WriteUint32(buf, 0xdeadbeef)
	buf = WriteCString(buf, "hello")
	buf = WriteMpint(buf, []byte{0x7f})

	pkt := NewPacket(MsgUserauthRequest, buf)

	b, err := pkt.ReadByte()
	if err != nil || b != 1 {
		t.Fatalf("ReadByte() = %d, %v", b, err)
	}
	v, err := pkt.ReadUint32()
	if err != nil || v != 0xdeadbeef {
		t.Fatalf("ReadUint32() = %x, %v", v, err)
	}
	s, err := pkt.ReadCString()
	if err != nil || s != "hello" {
		t.Fatalf("ReadCString() = %q, %v", s, err)
	}
	mp, err := pkt.ReadMpint()
	if err != nil || !bytes.Equal(mp, []byte{0x7f}) {
		t.Fatalf("ReadMpint() = %v, %v", mp, err)
	}
	if pkt.Remaining() != 0 {
		t.Errorf("Remaining() = %d, want 0", pkt.Remaining())
	}
}

func TestReadPastEndFails(t *testing.T) {
	pkt := NewPacket(0, []byte{0x01})
	if _, err := pkt.ReadUint32(); !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("ReadUint32() past end error = %v, want ErrInvalidFrame", err)
	}
}

func TestWriteMpintCanonicalization(t *testing.T) {
	tests := []struct {
		name      string
		magnitude []byte
		want      []byte
	}{
		{name: "high bit set gets zero prefix", magnitude: []byte{0x80}, want: []byte{0x00, 0x80}},
		{name: "low bit clear unchanged", magnitude: []byte{0x7f}, want: []byte{0x7f}},
		{name: "leading zeros trimmed", magnitude: []byte{0x00, 0x00, 0x01}, want: []byte{0x01}},
		{name: "zero value", magnitude: []byte{0x00}, want: []byte{0x00}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := WriteMpint(nil, tt.magnitude)
			pkt := NewPacket(0, buf)
			got, err := pkt.ReadString()
			if err != nil {
				t.Fatalf("ReadString() error = %v", err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("encoded mpint = %x, want %x", got, tt.want)
			}
		})
	}
}

// TestFrameUnframeFuzz round-trips random message types and payload
// lengths with a fixed seed.
func TestFrameUnframeFuzz(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 500; i++ {
		msgType := byte(rng.Intn(256))
		payload := make([]byte, rng.Intn(512))
		if _, err := rng.Read(payload); err != nil {
			t.Fatalf("rng.Read() error = %v", err)
		}

		wire, err := Frame(msgType, payload)
		if err != nil {
			t.Fatalf("Frame() error = %v", err)
		}
		pkt, consumed, err := Unframe(wire, 1<<20)
		if err != nil {
			t.Fatalf("Unframe() error = %v", err)
		}
		if consumed != len(wire) || pkt.Type != msgType || !bytes.Equal(pkt.Payload, payload) {
			t.Fatalf("round trip mismatch for iteration %d", i)
		}
	}
}
