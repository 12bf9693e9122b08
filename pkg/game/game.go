// Package game is the deterministic paddle-and-ball simulation both peers
// run. All positions are integer milli-units; nothing reads the wall clock.
package game

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"pongnet/pkg/rollback"
)

// Geometry in milli-units. The board is centred on the origin.
const (
	Unit = 1000

	BoardWidth  = 120 * Unit
	BoardHeight = 80 * Unit

	PaddleX      = 50 * Unit
	PaddleWidth  = 2 * Unit
	PaddleHeight = 10 * Unit
	PaddleSpeed  = 1 * Unit

	BallSize = 2 * Unit
	// BallSpeed is 50 units per second at 60 frames per second.
	BallSpeed = 50 * Unit / 60

	// MaxBallVY keeps deflected serves playable.
	MaxBallVY = 2 * BallSpeed

	Players = 2
)

const (
	halfW       = BoardWidth / 2
	halfH       = BoardHeight / 2
	halfBall    = BallSize / 2
	halfPaddle  = PaddleHeight / 2
	paddleLimit = halfH - halfPaddle
)

// NoHit is LastHit before any paddle touched the ball.
const NoHit = -1

// State is everything a frame depends on. It is encoded field by field,
// little-endian, so the encoding is identical on every platform.
type State struct {
	Frame   int32
	Paddles [Players]int32
	BallX   int32
	BallY   int32
	BallVX  int32
	BallVY  int32
	Scores  [Players]uint16
	LastHit int8
	Seed    uint32
}

// EncodedSize is the length of an encoded State.
var EncodedSize = binary.Size(State{})

// Pong implements rollback.Simulation.
type Pong struct {
	state State
}

var _ rollback.Simulation = (*Pong)(nil)

// NewPong returns a game with the ball served from the centre. Peers must
// agree on seed.
func NewPong(seed uint32) *Pong {
	p := &Pong{state: State{Frame: int32(rollback.NullFrame), LastHit: NoHit, Seed: seed}}
	p.serve(1)
	return p
}

// State returns a copy of the current state.
func (p *Pong) State() State { return p.state }

// Step advances one frame with the given inputs.
func (p *Pong) Step(fi rollback.FrameInputs) {
	s := &p.state
	s.Frame = int32(fi.Frame)
	for h := 0; h < Players; h++ {
		dir := fi.Bits(rollback.PlayerHandle(h)).Direction()
		s.Paddles[h] = clamp(s.Paddles[h]+int32(dir*PaddleSpeed), -paddleLimit, paddleLimit)
	}

	s.BallX += s.BallVX
	s.BallY += s.BallVY
	if top := int32(halfH - halfBall); s.BallY > top {
		s.BallY = 2*top - s.BallY
		s.BallVY = -s.BallVY
	} else if s.BallY < -top {
		s.BallY = -2*top - s.BallY
		s.BallVY = -s.BallVY
	}

	p.collide(0, -1)
	p.collide(1, 1)

	switch {
	case s.BallX-halfBall < -halfW:
		s.Scores[1]++
		p.serve(-1)
	case s.BallX+halfBall > halfW:
		s.Scores[0]++
		p.serve(1)
	}
}

// collide bounces the ball off paddle h, which sits on the side given by
// sign (-1 left, +1 right).
func (p *Pong) collide(h int, sign int32) {
	s := &p.state
	if s.BallVX*sign <= 0 {
		return
	}
	face := sign * (PaddleX - PaddleWidth/2)
	edge := s.BallX + sign*halfBall
	if (edge-face)*sign < 0 || (edge-face)*sign > PaddleWidth+abs(s.BallVX) {
		return
	}
	offset := s.BallY - s.Paddles[h]
	if abs(offset) > halfPaddle+halfBall {
		return
	}
	s.BallX = 2*(face-sign*halfBall) - s.BallX
	s.BallVX = -s.BallVX
	s.BallVY = clamp(s.BallVY+offset*BallSpeed/(halfPaddle+halfBall)/2, -MaxBallVY, MaxBallVY)
	s.LastHit = int8(h)
}

// serve puts the ball in the centre moving towards dir. The vertical speed
// comes from the state's generator so every peer picks the same one.
func (p *Pong) serve(dir int32) {
	s := &p.state
	s.Seed = s.Seed*1664525 + 1013904223
	vys := [...]int32{-BallSpeed, -BallSpeed / 2, BallSpeed / 2, BallSpeed}
	s.BallX, s.BallY = 0, 0
	s.BallVX = dir * BallSpeed
	s.BallVY = vys[(s.Seed>>16)%uint32(len(vys))]
	s.LastHit = NoHit
}

// Snapshot encodes the state.
func (p *Pong) Snapshot() ([]byte, error) {
	return Encode(p.state)
}

// Restore replaces the state with a decoded snapshot.
func (p *Pong) Restore(data []byte) error {
	s, err := Decode(data)
	if err != nil {
		return err
	}
	p.state = s
	return nil
}

// Encode writes s in its fixed little-endian layout.
func Encode(s State) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, EncodedSize))
	if err := binary.Write(buf, binary.LittleEndian, s); err != nil {
		return nil, fmt.Errorf("game: encode state: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode reads a State written by Encode.
func Decode(data []byte) (State, error) {
	var s State
	if len(data) != EncodedSize {
		return s, fmt.Errorf("game: state is %d bytes, want %d", len(data), EncodedSize)
	}
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &s); err != nil {
		return s, fmt.Errorf("game: decode state: %w", err)
	}
	return s, nil
}

func clamp(v, lo, hi int32) int32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func abs(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}
