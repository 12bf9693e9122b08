// Package proto is the peer-to-peer wire format. Every datagram carries the
// packet header used for reliable acks, a type byte and a body:
//
//	packetSeq:uint32 | ack:uint32 | ackBits:uint32 | type:uint8 | body...
//
// All integers are little-endian.
package proto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"pongnet/pkg/input"
)

// HeaderSize is the length of the fixed packet header.
const HeaderSize = 12

// MaxInputs bounds the inputs carried by one input packet.
const MaxInputs = 64

// MsgType selects the packet body.
type MsgType uint8

const (
	MsgInput MsgType = iota + 1
	MsgReliable
	MsgPing
	MsgPong
)

func (t MsgType) String() string {
	switch t {
	case MsgInput:
		return "input"
	case MsgReliable:
		return "reliable"
	case MsgPing:
		return "ping"
	case MsgPong:
		return "pong"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// ControlKind selects the message inside a reliable envelope.
type ControlKind uint8

const (
	CtlHello ControlKind = iota + 1
	CtlHelloAck
	CtlGoodbye
	CtlChecksum
)

func (k ControlKind) String() string {
	switch k {
	case CtlHello:
		return "hello"
	case CtlHelloAck:
		return "hello_ack"
	case CtlGoodbye:
		return "goodbye"
	case CtlChecksum:
		return "checksum"
	default:
		return fmt.Sprintf("control(%d)", uint8(k))
	}
}

var (
	ErrShort       = errors.New("proto: packet truncated")
	ErrUnknownType = errors.New("proto: unknown packet type")
	ErrTooMany     = errors.New("proto: too many inputs")
)

// Header carries the packet sequence and the sender's view of which packets
// it has received, for reliable delivery.
type Header struct {
	PacketSeq uint32
	Ack       uint32
	AckBits   uint32
}

// Input carries the sender's inputs for consecutive frames starting at
// StartFrame, plus the highest frame of the receiver's input it has seen.
type Input struct {
	StartFrame uint32
	AckFrame   int32
	Bits       []input.Bits
}

// Control is a message delivered through the reliable envelope. Nonce is
// used by hello messages, Frame and Sum by checksum reports.
type Control struct {
	Kind  ControlKind
	Nonce uint64
	Frame uint32
	Sum   uint64
}

// Packet is one decoded datagram. Only the body matching Type is set.
type Packet struct {
	Header  Header
	Type    MsgType
	Input   Input
	Seq     uint32 // reliable envelope sequence
	Control Control
	TS      int64 // ping/pong timestamp, unix nanoseconds
}

// WriteHeader appends the packet header.
func WriteHeader(buf *bytes.Buffer, h Header) {
	binary.Write(buf, binary.LittleEndian, h.PacketSeq)
	binary.Write(buf, binary.LittleEndian, h.Ack)
	binary.Write(buf, binary.LittleEndian, h.AckBits)
}

// ReadHeader splits b into its header and the rest.
func ReadHeader(b []byte) (Header, []byte, error) {
	if len(b) < HeaderSize {
		return Header{}, nil, fmt.Errorf("%w: header needs %d bytes, got %d", ErrShort, HeaderSize, len(b))
	}
	h := Header{
		PacketSeq: binary.LittleEndian.Uint32(b[0:4]),
		Ack:       binary.LittleEndian.Uint32(b[4:8]),
		AckBits:   binary.LittleEndian.Uint32(b[8:12]),
	}
	return h, b[HeaderSize:], nil
}

// WriteControl appends a control message without the envelope.
func WriteControl(buf *bytes.Buffer, c Control) {
	buf.WriteByte(byte(c.Kind))
	switch c.Kind {
	case CtlHello, CtlHelloAck:
		binary.Write(buf, binary.LittleEndian, c.Nonce)
	case CtlChecksum:
		binary.Write(buf, binary.LittleEndian, c.Frame)
		binary.Write(buf, binary.LittleEndian, c.Sum)
	}
}

// ReadControl decodes a control message written by WriteControl.
func ReadControl(b []byte) (Control, error) {
	r := bytes.NewReader(b)
	kind, err := r.ReadByte()
	if err != nil {
		return Control{}, fmt.Errorf("%w: control kind", ErrShort)
	}
	c := Control{Kind: ControlKind(kind)}
	switch c.Kind {
	case CtlHello, CtlHelloAck:
		if err := binary.Read(r, binary.LittleEndian, &c.Nonce); err != nil {
			return c, fmt.Errorf("%w: %s nonce", ErrShort, c.Kind)
		}
	case CtlGoodbye:
	case CtlChecksum:
		if err := binary.Read(r, binary.LittleEndian, &c.Frame); err != nil {
			return c, fmt.Errorf("%w: checksum frame", ErrShort)
		}
		if err := binary.Read(r, binary.LittleEndian, &c.Sum); err != nil {
			return c, fmt.Errorf("%w: checksum sum", ErrShort)
		}
	default:
		return c, fmt.Errorf("%w: %s", ErrUnknownType, c.Kind)
	}
	return c, nil
}

// Encode serializes p. Input packets with more than MaxInputs entries are
// rejected.
func Encode(p *Packet) ([]byte, error) {
	var buf bytes.Buffer
	WriteHeader(&buf, p.Header)
	buf.WriteByte(byte(p.Type))
	switch p.Type {
	case MsgInput:
		if len(p.Input.Bits) > MaxInputs {
			return nil, fmt.Errorf("%w: %d", ErrTooMany, len(p.Input.Bits))
		}
		binary.Write(&buf, binary.LittleEndian, p.Input.StartFrame)
		binary.Write(&buf, binary.LittleEndian, p.Input.AckFrame)
		buf.WriteByte(uint8(len(p.Input.Bits)))
		for _, b := range p.Input.Bits {
			buf.WriteByte(byte(b))
		}
	case MsgReliable:
		binary.Write(&buf, binary.LittleEndian, p.Seq)
		WriteControl(&buf, p.Control)
	case MsgPing, MsgPong:
		binary.Write(&buf, binary.LittleEndian, p.TS)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, p.Type)
	}
	return buf.Bytes(), nil
}

// Decode parses a datagram. Trailing bytes are ignored.
func Decode(b []byte) (*Packet, error) {
	h, rest, err := ReadHeader(b)
	if err != nil {
		return nil, err
	}
	if len(rest) < 1 {
		return nil, fmt.Errorf("%w: missing type", ErrShort)
	}
	p := &Packet{Header: h, Type: MsgType(rest[0])}
	body := rest[1:]
	r := bytes.NewReader(body)
	switch p.Type {
	case MsgInput:
		if err := binary.Read(r, binary.LittleEndian, &p.Input.StartFrame); err != nil {
			return nil, fmt.Errorf("%w: input start frame", ErrShort)
		}
		if err := binary.Read(r, binary.LittleEndian, &p.Input.AckFrame); err != nil {
			return nil, fmt.Errorf("%w: input ack frame", ErrShort)
		}
		count, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("%w: input count", ErrShort)
		}
		if int(count) > MaxInputs {
			return nil, fmt.Errorf("%w: %d", ErrTooMany, count)
		}
		if r.Len() < int(count) {
			return nil, fmt.Errorf("%w: %d inputs, %d bytes", ErrShort, count, r.Len())
		}
		p.Input.Bits = make([]input.Bits, count)
		for i := range p.Input.Bits {
			c, _ := r.ReadByte()
			p.Input.Bits[i] = input.Bits(c)
		}
	case MsgReliable:
		seq, inner, err := UnpackReliableEnvelope(body)
		if err != nil {
			return nil, err
		}
		p.Seq = seq
		if p.Control, err = ReadControl(inner); err != nil {
			return nil, err
		}
	case MsgPing, MsgPong:
		if err := binary.Read(r, binary.LittleEndian, &p.TS); err != nil {
			return nil, fmt.Errorf("%w: %s timestamp", ErrShort, p.Type)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, p.Type)
	}
	return p, nil
}

// PackReliableEnvelope writes seq followed by an already encoded payload.
func PackReliableEnvelope(buf *bytes.Buffer, seq uint32, payload []byte) {
	binary.Write(buf, binary.LittleEndian, seq)
	buf.Write(payload)
}

// UnpackReliableEnvelope splits an envelope into its sequence and payload.
func UnpackReliableEnvelope(b []byte) (uint32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, fmt.Errorf("%w: reliable envelope", ErrShort)
	}
	return binary.LittleEndian.Uint32(b[0:4]), b[4:], nil
}

// MarshalControl returns the encoded control message, for storing in a
// reliable sender's pending queue.
func MarshalControl(c Control) []byte {
	var buf bytes.Buffer
	WriteControl(&buf, c)
	return buf.Bytes()
}

// EncodeReliable builds a reliable packet around an encoded control payload.
func EncodeReliable(h Header, seq uint32, payload []byte) []byte {
	var buf bytes.Buffer
	WriteHeader(&buf, h)
	buf.WriteByte(byte(MsgReliable))
	PackReliableEnvelope(&buf, seq, payload)
	return buf.Bytes()
}
