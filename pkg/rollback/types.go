// Package rollback implements the frame synchronizer: it exchanges per-frame
// inputs with input delay, predicts missing remote input, and rewinds and
// resimulates the host simulation when a prediction turns out wrong.
package rollback

import (
	"fmt"
	"strings"

	"pongnet/pkg/input"
)

// Frame identifies one simulation step. Frames start at 0 and advance by one
// per step.
type Frame int32

// NullFrame names the state before frame 0 was stepped.
const NullFrame Frame = -1

// PlayerHandle is a player slot, 0..N-1, fixed for the session.
type PlayerHandle int

// InputStatus tells whether a player's input for a frame is final.
type InputStatus uint8

const (
	// Predicted input is a guess carried forward from the player's most
	// recent received input.
	Predicted InputStatus = iota
	// Confirmed input came from its authoritative source and never changes.
	Confirmed
)

func (s InputStatus) String() string {
	if s == Confirmed {
		return "confirmed"
	}
	return "predicted"
}

// PlayerInput is one player's input for a frame.
type PlayerInput struct {
	Bits   input.Bits
	Status InputStatus
}

// FrameInputs is the input set a frame is stepped with, indexed by handle.
type FrameInputs struct {
	Frame  Frame
	Inputs []PlayerInput
}

// Confirmed reports whether every player's input is final.
func (fi FrameInputs) Confirmed() bool {
	for _, in := range fi.Inputs {
		if in.Status != Confirmed {
			return false
		}
	}
	return true
}

// Bits returns the input for handle h, or no input for unknown handles.
func (fi FrameInputs) Bits(h PlayerHandle) input.Bits {
	if int(h) < 0 || int(h) >= len(fi.Inputs) {
		return 0
	}
	return fi.Inputs[h].Bits
}

func (fi FrameInputs) clone() FrameInputs {
	out := FrameInputs{Frame: fi.Frame, Inputs: make([]PlayerInput, len(fi.Inputs))}
	copy(out.Inputs, fi.Inputs)
	return out
}

func (fi FrameInputs) String() string {
	parts := make([]string, len(fi.Inputs))
	for i, in := range fi.Inputs {
		parts[i] = fmt.Sprintf("%d:%s/%s", i, in.Bits, in.Status)
	}
	return fmt.Sprintf("frame %d [%s]", fi.Frame, strings.Join(parts, " "))
}

// FrameState is the synchronizer's view of a frame.
type FrameState uint8

const (
	// FrameUnstepped frames have not been simulated yet.
	FrameUnstepped FrameState = iota
	// FramePredicted frames were stepped with at least one guessed input, or
	// follow a frame that was.
	FramePredicted
	// FrameConfirmed frames were stepped with final inputs only, as were all
	// earlier frames. Terminal.
	FrameConfirmed
)

func (s FrameState) String() string {
	switch s {
	case FramePredicted:
		return "predicted"
	case FrameConfirmed:
		return "confirmed"
	default:
		return "unstepped"
	}
}

// Simulation is what the host game must implement to be rolled back. Step
// advances exactly one frame using only the given inputs and current state.
// Restore(Snapshot()) followed by Step must reproduce bit-identical state.
type Simulation interface {
	Step(inputs FrameInputs)
	Snapshot() ([]byte, error)
	Restore(data []byte) error
}

// Observer receives synchronizer events, typically for metrics. Methods are
// called on the tick goroutine.
type Observer interface {
	Misprediction(h PlayerHandle, f Frame)
	Rollback(from Frame, frames int)
	LateInput(h PlayerHandle, f Frame)
	Stall(f Frame)
	Confirmed(f Frame)
}

type nopObserver struct{}

func (nopObserver) Misprediction(PlayerHandle, Frame) {}
func (nopObserver) Rollback(Frame, int)               {}
func (nopObserver) LateInput(PlayerHandle, Frame)     {}
func (nopObserver) Stall(Frame)                       {}
func (nopObserver) Confirmed(Frame)                   {}

// Report describes one AdvanceFrame call.
type Report struct {
	// Frame is the frame that was stepped, or the frame that would have been
	// stepped when Stalled.
	Frame Frame
	// Stalled is set when the prediction window is full and nothing was
	// stepped. The host keeps ticking; this is not an error.
	Stalled bool
	// RolledBack is the number of frames resimulated before stepping.
	RolledBack int
	// Watermark is the highest confirmed frame after the call.
	Watermark Frame
	// NewlyConfirmed lists frames confirmed by this call, in order.
	NewlyConfirmed []FrameInputs
}
