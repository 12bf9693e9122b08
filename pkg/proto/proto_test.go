package proto

import (
	"bytes"
	"errors"
	"testing"

	"pongnet/pkg/input"
)

func TestHeader(t *testing.T) {
	var buf bytes.Buffer
	WriteHeader(&buf, Header{PacketSeq: 7, Ack: 5, AckBits: 0b101})
	buf.WriteString("rest")
	h, rest, err := ReadHeader(buf.Bytes())
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	if h.PacketSeq != 7 || h.Ack != 5 || h.AckBits != 0b101 || string(rest) != "rest" {
		t.Fatalf("unexpected header %+v rest %q", h, rest)
	}
	if _, _, err := ReadHeader([]byte{1, 2, 3}); !errors.Is(err, ErrShort) {
		t.Fatalf("expected short header error, got %v", err)
	}
}

func TestInputPacket(t *testing.T) {
	up := input.Bits(0).With(input.Up)
	p := &Packet{
		Header: Header{PacketSeq: 3},
		Type:   MsgInput,
		Input:  Input{StartFrame: 40, AckFrame: -1, Bits: []input.Bits{0, up, up}},
	}
	b, err := Encode(p)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(b) != HeaderSize+1+4+4+1+3 {
		t.Fatalf("unexpected length %d", len(b))
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != MsgInput || got.Input.StartFrame != 40 || got.Input.AckFrame != -1 {
		t.Fatalf("unexpected packet %+v", got)
	}
	if len(got.Input.Bits) != 3 || got.Input.Bits[1] != up {
		t.Fatalf("unexpected inputs %v", got.Input.Bits)
	}
	if _, err := Decode(b[:len(b)-1]); !errors.Is(err, ErrShort) {
		t.Fatalf("expected truncated input error, got %v", err)
	}
}

func TestTooManyInputs(t *testing.T) {
	p := &Packet{Type: MsgInput, Input: Input{Bits: make([]input.Bits, MaxInputs+1)}}
	if _, err := Encode(p); !errors.Is(err, ErrTooMany) {
		t.Fatalf("expected too many inputs, got %v", err)
	}
}

func TestReliableControl(t *testing.T) {
	cases := []Control{
		{Kind: CtlHello, Nonce: 0xdeadbeef},
		{Kind: CtlHelloAck, Nonce: 1},
		{Kind: CtlGoodbye},
		{Kind: CtlChecksum, Frame: 90, Sum: 0x0123456789abcdef},
	}
	for _, c := range cases {
		t.Run(c.Kind.String(), func(t *testing.T) {
			b := EncodeReliable(Header{PacketSeq: 1}, 9, MarshalControl(c))
			p, err := Decode(b)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if p.Type != MsgReliable || p.Seq != 9 || p.Control != c {
				t.Fatalf("got %+v, want control %+v", p, c)
			}
			viaEncode, err := Encode(&Packet{Header: Header{PacketSeq: 1}, Type: MsgReliable, Seq: 9, Control: c})
			if err != nil || !bytes.Equal(viaEncode, b) {
				t.Fatalf("Encode and EncodeReliable disagree: %v", err)
			}
		})
	}
}

func TestPing(t *testing.T) {
	b, err := Encode(&Packet{Type: MsgPong, TS: 123456789})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	p, err := Decode(b)
	if err != nil || p.Type != MsgPong || p.TS != 123456789 {
		t.Fatalf("unexpected pong %+v %v", p, err)
	}
}

func TestUnknownType(t *testing.T) {
	var buf bytes.Buffer
	WriteHeader(&buf, Header{})
	buf.WriteByte(200)
	if _, err := Decode(buf.Bytes()); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected unknown type, got %v", err)
	}
	if _, err := ReadControl([]byte{99}); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected unknown control, got %v", err)
	}
}
