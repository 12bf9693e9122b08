package rollback

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	perrors "pongnet/internal/platform/errors"
	"pongnet/pkg/input"
	"pongnet/pkg/snapshot"
)

const (
	// MaxInputDelay and MaxWindow bound the configurable ranges.
	MaxInputDelay = 10
	MaxWindow     = 16

	DefaultInputDelay = 2
	DefaultWindow     = 8

	// checksums of confirmed frames are kept this long for comparison with
	// reports from slower peers.
	checksumHistory = 256

	// retainSlack keeps inputs a little past what a rollback can reach so a
	// peer whose acks were lost can still be resent what it needs.
	retainSlack = 8
)

var (
	// ErrNotLocal is returned when local input is added for a remote handle
	// or remote input for a local one.
	ErrNotLocal = errors.New("rollback: handle is not local")
	// ErrNotRemote is the AddRemoteInput counterpart of ErrNotLocal.
	ErrNotRemote = errors.New("rollback: handle is not remote")
	// ErrDuplicateLocalInput is returned when a local handle already has
	// input for the target frame.
	ErrDuplicateLocalInput = errors.New("rollback: local input already added for frame")
	// ErrMissingLocalInput is returned by AdvanceFrame when a local handle
	// has no input for the frame about to be stepped.
	ErrMissingLocalInput = errors.New("rollback: missing local input")
	// ErrReleased is returned by AdvanceFrame after Release.
	ErrReleased = errors.New("rollback: synchronizer released")
)

// Config configures a Synchronizer.
type Config struct {
	NumPlayers   int
	LocalHandles []PlayerHandle
	// InputDelay is the number of frames between sampling local input and
	// the frame it applies to.
	InputDelay int
	// Window is the maximum number of frames that may be rolled back.
	Window int
	// StallAtWindow stops AdvanceFrame from predicting more than Window
	// frames past the confirmed watermark. Without it the watermark can run
	// ahead of what a lagging peer has acknowledged, and LocalInputs may no
	// longer reach back to the frame that peer needs.
	StallAtWindow bool
	Logger        *slog.Logger
	Observer      Observer
}

// Validate checks ranges and handle assignments.
func (c Config) Validate() error {
	if c.NumPlayers < 1 {
		return perrors.Newf(perrors.CodeConfig, "num players %d, need at least 1", c.NumPlayers)
	}
	if c.InputDelay < 0 || c.InputDelay > MaxInputDelay {
		return perrors.Newf(perrors.CodeConfig, "input delay %d outside 0..%d", c.InputDelay, MaxInputDelay)
	}
	if c.Window < 1 || c.Window > MaxWindow {
		return perrors.Newf(perrors.CodeConfig, "rollback window %d outside 1..%d", c.Window, MaxWindow)
	}
	seen := make(map[PlayerHandle]bool, len(c.LocalHandles))
	for _, h := range c.LocalHandles {
		if h < 0 || int(h) >= c.NumPlayers {
			return perrors.Newf(perrors.CodeConfig, "local handle %d outside 0..%d", h, c.NumPlayers-1)
		}
		if seen[h] {
			return perrors.Newf(perrors.CodeConfig, "local handle %d listed twice", h)
		}
		seen[h] = true
	}
	return nil
}

type pendingInput struct {
	handle PlayerHandle
	frame  Frame
	bits   input.Bits
}

// Synchronizer owns the simulation, the snapshot store and the input
// history for one session. It is driven by a single goroutine.
type Synchronizer struct {
	cfg      Config
	sim      Simulation
	Store    *snapshot.Store
	logger   *slog.Logger
	observer Observer

	local []bool
	// inputs[h][f] is the authoritative input of handle h for frame f.
	inputs []map[Frame]input.Bits
	// contiguous[h] is the highest frame f such that inputs for 0..f of
	// handle h are all known.
	contiguous []Frame
	pending    []pendingInput

	// history holds the inputs each retained stepped frame was simulated with.
	history   map[Frame]FrameInputs
	checksums map[Frame]uint64

	current        Frame
	watermark      Frame
	floor          Frame
	firstIncorrect Frame
	last           FrameInputs
	released       bool
}

// NewSynchronizer validates cfg, captures the initial state of sim under
// NullFrame and pre-confirms the delay frames of every local handle as
// no input.
func NewSynchronizer(cfg Config, sim Simulation) (*Synchronizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sim == nil {
		return nil, perrors.New(perrors.CodeConfig, "nil simulation")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	s := &Synchronizer{
		cfg:            cfg,
		sim:            sim,
		Store:          snapshot.NewStore(cfg.Window + 1),
		logger:         cfg.Logger,
		observer:       cfg.Observer,
		local:          make([]bool, cfg.NumPlayers),
		inputs:         make([]map[Frame]input.Bits, cfg.NumPlayers),
		contiguous:     make([]Frame, cfg.NumPlayers),
		history:        make(map[Frame]FrameInputs),
		checksums:      make(map[Frame]uint64),
		watermark:      NullFrame,
		floor:          0,
		firstIncorrect: NullFrame,
	}
	for i := range s.inputs {
		s.inputs[i] = make(map[Frame]input.Bits)
		s.contiguous[i] = NullFrame
	}
	for _, h := range cfg.LocalHandles {
		s.local[h] = true
		for f := Frame(0); f < Frame(cfg.InputDelay); f++ {
			s.record(h, f, 0)
		}
	}
	s.last = FrameInputs{Frame: NullFrame, Inputs: make([]PlayerInput, cfg.NumPlayers)}
	if err := s.capture(NullFrame); err != nil {
		return nil, err
	}
	return s, nil
}

// CurrentFrame is the next frame to be stepped.
func (s *Synchronizer) CurrentFrame() Frame { return s.current }

// ConfirmedFrame is the highest frame whose inputs, and all earlier ones, are
// confirmed. NullFrame before anything is confirmed. Never decreases.
func (s *Synchronizer) ConfirmedFrame() Frame { return s.watermark }

// InputDelay returns the configured delay.
func (s *Synchronizer) InputDelay() int { return s.cfg.InputDelay }

// Window returns the configured rollback window.
func (s *Synchronizer) Window() int { return s.cfg.Window }

// NumPlayers returns the number of handles.
func (s *Synchronizer) NumPlayers() int { return s.cfg.NumPlayers }

// CurrentFrameInputs returns the inputs the most recently stepped frame was
// simulated with. Before the first step it reports NullFrame with no input.
func (s *Synchronizer) CurrentFrameInputs() FrameInputs { return s.last.clone() }

// FrameStatus reports whether f was stepped and whether it is final.
func (s *Synchronizer) FrameStatus(f Frame) FrameState {
	switch {
	case f < 0 || f >= s.current:
		return FrameUnstepped
	case f <= s.watermark:
		return FrameConfirmed
	default:
		return FramePredicted
	}
}

// ShouldStall reports whether stepping another frame would predict further
// than the window allows.
func (s *Synchronizer) ShouldStall() bool {
	return s.cfg.StallAtWindow && int(s.current-s.watermark) > s.cfg.Window
}

// Checksum returns the state checksum recorded when f was confirmed.
func (s *Synchronizer) Checksum(f Frame) (uint64, bool) {
	sum, ok := s.checksums[f]
	return sum, ok
}

// ConfirmedInputs returns the final inputs of a confirmed frame that is still
// retained.
func (s *Synchronizer) ConfirmedInputs(f Frame) (FrameInputs, bool) {
	if f < s.floor || f > s.watermark {
		return FrameInputs{}, false
	}
	return s.confirmedInputs(f), true
}

// LastReceived returns the highest frame for which every input of h is known.
func (s *Synchronizer) LastReceived(h PlayerHandle) Frame {
	if int(h) < 0 || int(h) >= len(s.contiguous) {
		return NullFrame
	}
	return s.contiguous[h]
}

// LocalInputs returns the inputs of local handle h for frames from..to,
// inclusive, stopping at the first gap, and the frame the returned slice
// starts at. That is later than from when older inputs were pruned. Used to
// build redundant packets.
func (s *Synchronizer) LocalInputs(h PlayerHandle, from, to Frame) (Frame, []input.Bits) {
	if int(h) < 0 || int(h) >= len(s.local) || !s.local[h] {
		return from, nil
	}
	if from < s.floor {
		from = s.floor
	}
	var out []input.Bits
	for f := from; f <= to; f++ {
		b, ok := s.inputs[h][f]
		if !ok {
			break
		}
		out = append(out, b)
	}
	return from, out
}

// CheckReceived compares bits with the input already held for h at f. It
// returns a desync error when they differ; frames with no retained input
// pass.
func (s *Synchronizer) CheckReceived(h PlayerHandle, f Frame, bits input.Bits) error {
	if int(h) < 0 || int(h) >= len(s.inputs) {
		return fmt.Errorf("rollback: handle %d out of range", h)
	}
	if prev, ok := s.inputs[h][f]; ok && prev != bits {
		return conflictError(h, f, prev, bits)
	}
	return nil
}

func conflictError(h PlayerHandle, f Frame, had, got input.Bits) error {
	return perrors.WithMetadata(perrors.CodeDesync, "conflicting input for a received frame", map[string]string{
		"handle": strconv.Itoa(int(h)),
		"frame":  strconv.Itoa(int(f)),
		"had":    had.String(),
		"got":    got.String(),
	})
}

// Release drops every snapshot and the simulation. Confirmed inputs and
// checksums stay readable; AdvanceFrame fails from then on.
func (s *Synchronizer) Release() {
	if s.released {
		return
	}
	s.released = true
	s.Store.Reset()
	s.sim = nil
	s.pending = nil
}

// AddLocalInput records bits for local handle h at CurrentFrame+InputDelay
// and returns that frame.
func (s *Synchronizer) AddLocalInput(h PlayerHandle, bits input.Bits) (Frame, error) {
	if int(h) < 0 || int(h) >= len(s.local) || !s.local[h] {
		return NullFrame, fmt.Errorf("%w: %d", ErrNotLocal, h)
	}
	if !bits.Valid() {
		return NullFrame, fmt.Errorf("rollback: invalid input bits %08b", uint8(bits))
	}
	f := s.current + Frame(s.cfg.InputDelay)
	if _, ok := s.inputs[h][f]; ok {
		return f, fmt.Errorf("%w: handle %d frame %d", ErrDuplicateLocalInput, h, f)
	}
	s.record(h, f, bits)
	return f, nil
}

// AddRemoteInput queues input received from the network. It is applied at
// the start of the next AdvanceFrame.
func (s *Synchronizer) AddRemoteInput(h PlayerHandle, f Frame, bits input.Bits) error {
	if int(h) < 0 || int(h) >= len(s.local) {
		return fmt.Errorf("rollback: handle %d out of range", h)
	}
	if s.local[h] {
		return fmt.Errorf("%w: %d", ErrNotRemote, h)
	}
	if f < 0 || !bits.Valid() {
		return fmt.Errorf("rollback: malformed input for handle %d frame %d", h, f)
	}
	s.pending = append(s.pending, pendingInput{handle: h, frame: f, bits: bits})
	return nil
}

// AdvanceFrame applies queued remote input, rolls back if a stepped frame
// was mispredicted, then steps the current frame once. When the prediction
// window is exhausted it returns a stalled report without stepping.
func (s *Synchronizer) AdvanceFrame() (Report, error) {
	var rep Report
	if s.released {
		return rep, ErrReleased
	}
	if err := s.applyPending(); err != nil {
		return rep, err
	}
	if s.firstIncorrect != NullFrame {
		n, err := s.rollback()
		if err != nil {
			return rep, err
		}
		rep.RolledBack = n
	}
	rep.NewlyConfirmed = s.advanceWatermark()

	if s.ShouldStall() {
		s.observer.Stall(s.current)
		rep.Frame = s.current
		rep.Stalled = true
		rep.Watermark = s.watermark
		return rep, nil
	}
	for h, isLocal := range s.local {
		if !isLocal {
			continue
		}
		if _, ok := s.inputs[h][s.current]; !ok {
			return rep, fmt.Errorf("%w: handle %d frame %d", ErrMissingLocalInput, h, s.current)
		}
	}

	fi := s.assemble(s.current)
	if err := s.step(fi); err != nil {
		return rep, err
	}
	s.last = fi
	rep.Frame = fi.Frame
	s.current++

	rep.NewlyConfirmed = append(rep.NewlyConfirmed, s.advanceWatermark()...)
	rep.Watermark = s.watermark
	s.prune()
	return rep, nil
}

func (s *Synchronizer) record(h PlayerHandle, f Frame, bits input.Bits) {
	s.inputs[h][f] = bits
	for {
		if _, ok := s.inputs[h][s.contiguous[h]+1]; !ok {
			break
		}
		s.contiguous[h]++
	}
}

func (s *Synchronizer) applyPending() error {
	pending := s.pending
	s.pending = s.pending[:0]
	for i, in := range pending {
		if err := s.applyRemote(in); err != nil {
			s.pending = append(s.pending[:0], pending[i+1:]...)
			return err
		}
	}
	return nil
}

func (s *Synchronizer) applyRemote(in pendingInput) error {
	h, f := in.handle, in.frame
	if prev, ok := s.inputs[h][f]; ok {
		if prev == in.bits {
			return nil
		}
		return conflictError(h, f, prev, in.bits)
	}
	if f < s.floor {
		// Already confirmed and pruned; nothing can change for it.
		s.logger.Warn("discarding input below retained history", "handle", h, "frame", f, "floor", s.floor)
		s.observer.LateInput(h, f)
		return nil
	}
	s.record(h, f, in.bits)
	if f >= s.current {
		return nil
	}
	used, ok := s.history[f]
	if ok && used.Inputs[h].Bits == in.bits {
		return nil
	}
	s.observer.Misprediction(h, f)
	if _, ok := s.Store.Latest(int32(f - 1)); !ok {
		oldest, _ := s.Store.Oldest()
		return perrors.WithMetadata(perrors.CodeDesync, "misprediction older than rollback window", map[string]string{
			"handle":          strconv.Itoa(int(h)),
			"frame":           strconv.Itoa(int(f)),
			"oldest_snapshot": strconv.Itoa(int(oldest)),
			"current":         strconv.Itoa(int(s.current)),
		})
	}
	if s.firstIncorrect == NullFrame || f < s.firstIncorrect {
		s.firstIncorrect = f
	}
	return nil
}

// rollback restores the newest capture before the first mispredicted frame
// and resimulates up to, but not including, the current frame.
func (s *Synchronizer) rollback() (int, error) {
	bad := s.firstIncorrect
	s.firstIncorrect = NullFrame
	snap, ok := s.Store.Latest(int32(bad - 1))
	if !ok {
		return 0, perrors.WithMetadata(perrors.CodeDesync, "no snapshot to roll back to", map[string]string{
			"frame": strconv.Itoa(int(bad)),
		})
	}
	if err := s.sim.Restore(snap.Data); err != nil {
		return 0, fmt.Errorf("rollback: restore frame %d: %w", snap.Frame, err)
	}
	from := Frame(snap.Frame) + 1
	for f := from; f < s.current; f++ {
		fi := s.assemble(f)
		if err := s.step(fi); err != nil {
			return 0, err
		}
		s.last = fi
	}
	n := int(s.current - from)
	s.observer.Rollback(from, n)
	s.logger.Debug("rolled back", "to", snap.Frame, "first_incorrect", bad, "resimulated", n)
	return n, nil
}

func (s *Synchronizer) step(fi FrameInputs) error {
	s.sim.Step(fi.clone())
	if err := s.capture(fi.Frame); err != nil {
		return err
	}
	s.history[fi.Frame] = fi
	return nil
}

func (s *Synchronizer) capture(f Frame) error {
	data, err := s.sim.Snapshot()
	if err != nil {
		return fmt.Errorf("rollback: snapshot frame %d: %w", f, err)
	}
	if _, err := s.Store.Put(int32(f), data); err != nil {
		return fmt.Errorf("rollback: store frame %d: %w", f, err)
	}
	return nil
}

// assemble builds the inputs for f: the authoritative input where known,
// otherwise the player's most recent received input marked predicted.
func (s *Synchronizer) assemble(f Frame) FrameInputs {
	fi := FrameInputs{Frame: f, Inputs: make([]PlayerInput, s.cfg.NumPlayers)}
	for h := range fi.Inputs {
		if b, ok := s.inputs[h][f]; ok {
			fi.Inputs[h] = PlayerInput{Bits: b, Status: Confirmed}
			continue
		}
		fi.Inputs[h] = PlayerInput{Bits: s.predict(PlayerHandle(h), f), Status: Predicted}
	}
	return fi
}

func (s *Synchronizer) predict(h PlayerHandle, f Frame) input.Bits {
	low := s.contiguous[h]
	if low < s.floor-1 {
		low = s.floor - 1
	}
	for g := f - 1; g > low; g-- {
		if b, ok := s.inputs[h][g]; ok {
			return b
		}
	}
	if low >= 0 {
		return s.inputs[h][low]
	}
	return 0
}

func (s *Synchronizer) confirmedInputs(f Frame) FrameInputs {
	fi := FrameInputs{Frame: f, Inputs: make([]PlayerInput, s.cfg.NumPlayers)}
	for h := range fi.Inputs {
		fi.Inputs[h] = PlayerInput{Bits: s.inputs[h][f], Status: Confirmed}
	}
	return fi
}

func (s *Synchronizer) advanceWatermark() []FrameInputs {
	w := s.current - 1
	for _, c := range s.contiguous {
		if c < w {
			w = c
		}
	}
	if w <= s.watermark {
		return nil
	}
	var out []FrameInputs
	for f := s.watermark + 1; f <= w; f++ {
		out = append(out, s.confirmedInputs(f))
		if snap, ok := s.Store.Get(int32(f)); ok {
			s.checksums[f] = snap.Checksum
		}
	}
	s.watermark = w
	s.observer.Confirmed(w)
	return out
}

// prune drops inputs, history and checksums no longer reachable by a
// rollback or a peer's checksum report.
func (s *Synchronizer) prune() {
	floor := s.watermark - Frame(s.cfg.Window+s.cfg.InputDelay+retainSlack)
	if floor > s.floor {
		for f := s.floor; f < floor; f++ {
			for h := range s.inputs {
				delete(s.inputs[h], f)
			}
			delete(s.history, f)
		}
		s.floor = floor
	}
	cut := s.watermark - checksumHistory
	for f := range s.checksums {
		if f < cut {
			delete(s.checksums, f)
		}
	}
}
