package rollback

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math/rand"
	"testing"

	"github.com/cespare/xxhash/v2"

	perrors "pongnet/internal/platform/errors"
	"pongnet/pkg/input"
)

// lineSim moves one marker per player along a line and folds every input
// into a running hash, so any divergence in inputs shows in the state.
type lineSim struct {
	frame int32
	pos   []int32
	acc   uint64
}

func newLineSim(players int) *lineSim {
	return &lineSim{frame: -1, pos: make([]int32, players)}
}

func (s *lineSim) Step(fi FrameInputs) {
	s.frame = int32(fi.Frame)
	for h, in := range fi.Inputs {
		s.pos[h] += int32(in.Bits.Direction())
		s.acc = s.acc*31 + uint64(fi.Frame)*7 + uint64(in.Bits)
	}
}

func (s *lineSim) Snapshot() ([]byte, error) {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, s.frame)
	_ = binary.Write(buf, binary.LittleEndian, s.acc)
	_ = binary.Write(buf, binary.LittleEndian, s.pos)
	return buf.Bytes(), nil
}

func (s *lineSim) Restore(data []byte) error {
	r := bytes.NewReader(data)
	if err := binary.Read(r, binary.LittleEndian, &s.frame); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &s.acc); err != nil {
		return err
	}
	return binary.Read(r, binary.LittleEndian, s.pos)
}

type countingObserver struct {
	mispredictions int
	rollbacks      int
	resimulated    int
	late           int
	stalls         int
	confirmed      Frame
}

func (o *countingObserver) Misprediction(PlayerHandle, Frame) { o.mispredictions++ }
func (o *countingObserver) Rollback(_ Frame, n int)           { o.rollbacks++; o.resimulated += n }
func (o *countingObserver) LateInput(PlayerHandle, Frame)     { o.late++ }
func (o *countingObserver) Stall(Frame)                       { o.stalls++ }
func (o *countingObserver) Confirmed(f Frame)                 { o.confirmed = f }

func newTestSync(t *testing.T, delay, window int, stall bool, sim Simulation) (*Synchronizer, *countingObserver) {
	t.Helper()
	obs := &countingObserver{}
	s, err := NewSynchronizer(Config{
		NumPlayers:    2,
		LocalHandles:  []PlayerHandle{0},
		InputDelay:    delay,
		Window:        window,
		StallAtWindow: stall,
		Observer:      obs,
	}, sim)
	if err != nil {
		t.Fatalf("new synchronizer: %v", err)
	}
	return s, obs
}

// tick adds local input once per new frame and advances.
func tick(t *testing.T, s *Synchronizer, local input.Bits) Report {
	t.Helper()
	target := s.CurrentFrame() + Frame(s.InputDelay())
	if _, ok := s.inputs[0][target]; !ok {
		if _, err := s.AddLocalInput(0, local); err != nil {
			t.Fatalf("add local input: %v", err)
		}
	}
	rep, err := s.AdvanceFrame()
	if err != nil {
		t.Fatalf("advance frame %d: %v", s.CurrentFrame(), err)
	}
	return rep
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"defaults", Config{NumPlayers: 2, LocalHandles: []PlayerHandle{0}, InputDelay: 2, Window: 8}, true},
		{"zero delay", Config{NumPlayers: 2, LocalHandles: []PlayerHandle{1}, InputDelay: 0, Window: 1}, true},
		{"no players", Config{NumPlayers: 0, Window: 8}, false},
		{"negative delay", Config{NumPlayers: 2, InputDelay: -1, Window: 8}, false},
		{"delay too large", Config{NumPlayers: 2, InputDelay: MaxInputDelay + 1, Window: 8}, false},
		{"zero window", Config{NumPlayers: 2, Window: 0}, false},
		{"window too large", Config{NumPlayers: 2, Window: MaxWindow + 1}, false},
		{"handle out of range", Config{NumPlayers: 2, LocalHandles: []PlayerHandle{2}, Window: 8}, false},
		{"handle twice", Config{NumPlayers: 2, LocalHandles: []PlayerHandle{0, 0}, Window: 8}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.ok && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tc.ok && !errors.Is(err, perrors.ErrConfig) {
				t.Fatalf("expected config error, got %v", err)
			}
		})
	}
}

func TestDelayFramesPreconfirmed(t *testing.T) {
	s, _ := newTestSync(t, 2, 8, true, newLineSim(2))
	if got := s.LastReceived(0); got != 1 {
		t.Fatalf("expected local frames 0..1 known, got %d", got)
	}
	f, err := s.AddLocalInput(0, input.Bits(0).With(input.Up))
	if err != nil {
		t.Fatalf("add local input: %v", err)
	}
	if f != 2 {
		t.Fatalf("expected input for frame 2, got %d", f)
	}
	if _, err := s.AddLocalInput(0, 0); !errors.Is(err, ErrDuplicateLocalInput) {
		t.Fatalf("expected duplicate local input, got %v", err)
	}
	if _, err := s.AddLocalInput(1, 0); !errors.Is(err, ErrNotLocal) {
		t.Fatalf("expected not local, got %v", err)
	}
	if err := s.AddRemoteInput(0, 0, 0); !errors.Is(err, ErrNotRemote) {
		t.Fatalf("expected not remote, got %v", err)
	}
}

func TestSinglePlayerConfirmsEveryFrame(t *testing.T) {
	sim := newLineSim(1)
	s, err := NewSynchronizer(Config{NumPlayers: 1, LocalHandles: []PlayerHandle{0}, InputDelay: 0, Window: 4}, sim)
	if err != nil {
		t.Fatalf("new synchronizer: %v", err)
	}
	for i := 0; i < 20; i++ {
		if _, err := s.AddLocalInput(0, input.Bits(0).With(input.Down)); err != nil {
			t.Fatalf("add local input: %v", err)
		}
		rep, err := s.AdvanceFrame()
		if err != nil {
			t.Fatalf("advance: %v", err)
		}
		if rep.Watermark != rep.Frame || len(rep.NewlyConfirmed) != 1 {
			t.Fatalf("frame %d not confirmed immediately: %+v", rep.Frame, rep)
		}
		if !s.CurrentFrameInputs().Confirmed() {
			t.Fatalf("frame %d stepped with predicted input", rep.Frame)
		}
	}
	if sim.pos[0] != -20 {
		t.Fatalf("expected position -20, got %d", sim.pos[0])
	}
	data, _ := sim.Snapshot()
	sum, ok := s.Checksum(19)
	if !ok || sum != xxhash.Sum64(data) {
		t.Fatalf("checksum of frame 19 missing or wrong")
	}
}

func TestPredictionRepeatsLastInput(t *testing.T) {
	s, _ := newTestSync(t, 0, 8, true, newLineSim(2))
	up := input.Bits(0).With(input.Up)
	if err := s.AddRemoteInput(1, 0, up); err != nil {
		t.Fatalf("add remote input: %v", err)
	}
	tick(t, s, 0)
	tick(t, s, 0)
	fi := s.CurrentFrameInputs()
	if fi.Frame != 1 || fi.Inputs[1].Status != Predicted || fi.Inputs[1].Bits != up {
		t.Fatalf("expected frame 1 predicted up, got %s", fi)
	}
	if s.FrameStatus(0) != FrameConfirmed || s.FrameStatus(1) != FramePredicted || s.FrameStatus(2) != FrameUnstepped {
		t.Fatalf("unexpected frame states %s %s %s", s.FrameStatus(0), s.FrameStatus(1), s.FrameStatus(2))
	}
}

// Remote "up" for frame 1 arrives while frame 3 is about to be stepped. The
// engine must restore frame 0 and resimulate, ending where a run that knew
// the input from the start ends.
func TestLateInputRollsBack(t *testing.T) {
	up := input.Bits(0).With(input.Up)

	sim := newLineSim(2)
	s, obs := newTestSync(t, 2, 8, true, sim)
	if err := s.AddRemoteInput(1, 0, 0); err != nil {
		t.Fatalf("add remote input: %v", err)
	}
	for i := 0; i < 3; i++ {
		tick(t, s, 0)
	}
	if err := s.AddRemoteInput(1, 1, up); err != nil {
		t.Fatalf("add remote input: %v", err)
	}
	rep := tick(t, s, 0)
	if rep.Frame != 3 || rep.RolledBack != 2 {
		t.Fatalf("expected frames 1..2 resimulated before frame 3, got %+v", rep)
	}
	if obs.mispredictions != 1 || obs.rollbacks != 1 {
		t.Fatalf("expected one misprediction and rollback, got %+v", obs)
	}

	refSim := newLineSim(2)
	ref, _ := newTestSync(t, 2, 8, true, refSim)
	_ = ref.AddRemoteInput(1, 0, 0)
	_ = ref.AddRemoteInput(1, 1, up)
	for i := 0; i < 4; i++ {
		if rep := tick(t, ref, 0); rep.RolledBack != 0 {
			t.Fatalf("reference run rolled back at frame %d", rep.Frame)
		}
	}
	if sim.pos[1] != refSim.pos[1] || sim.acc != refSim.acc {
		t.Fatalf("rolled back state differs from reference: %+v vs %+v", sim, refSim)
	}
	if sim.pos[1] != 3 {
		t.Fatalf("expected remote paddle moved up on frames 1..3, got %d", sim.pos[1])
	}
}

// Random remote latency, then full delivery: the confirmed state must equal
// stepping the true inputs directly.
func TestRollbackEquivalence(t *testing.T) {
	const frames = 200
	rng := rand.New(rand.NewSource(7))
	local := make([]input.Bits, frames+16)
	remote := make([]input.Bits, frames+16)
	for i := range local {
		local[i] = input.Bits(rng.Intn(4))
		remote[i] = input.Bits(rng.Intn(4))
	}
	const delay = 2
	trueLocal := func(f int) input.Bits {
		if f < delay {
			return 0
		}
		return local[f-delay]
	}

	sim := newLineSim(2)
	s, obs := newTestSync(t, delay, 8, true, sim)
	type delivery struct {
		at    int
		frame Frame
	}
	var inflight []delivery
	sent := 0
	lastWatermark := NullFrame
	for tickNo := 0; s.CurrentFrame() < frames; tickNo++ {
		for sent < frames && sent <= int(s.CurrentFrame())+delay {
			inflight = append(inflight, delivery{at: tickNo + rng.Intn(6), frame: Frame(sent)})
			sent++
		}
		rest := inflight[:0]
		for _, d := range inflight {
			if d.at <= tickNo {
				if err := s.AddRemoteInput(1, d.frame, remote[d.frame]); err != nil {
					t.Fatalf("add remote input: %v", err)
				}
				continue
			}
			rest = append(rest, d)
		}
		inflight = rest

		rep := tick(t, s, local[s.CurrentFrame()])
		if rep.Watermark < lastWatermark {
			t.Fatalf("watermark went backwards: %d -> %d", lastWatermark, rep.Watermark)
		}
		lastWatermark = rep.Watermark
		for _, fi := range rep.NewlyConfirmed {
			if fi.Inputs[0].Bits != trueLocal(int(fi.Frame)) || fi.Inputs[1].Bits != remote[fi.Frame] {
				t.Fatalf("confirmed wrong inputs %s", fi)
			}
		}
		if int(s.CurrentFrame()-s.ConfirmedFrame()) > 9 {
			t.Fatalf("predicted past the window: current %d confirmed %d", s.CurrentFrame(), s.ConfirmedFrame())
		}
		if tickNo > 10*frames {
			t.Fatalf("no progress")
		}
	}
	for _, d := range inflight {
		_ = s.AddRemoteInput(1, d.frame, remote[d.frame])
	}
	for s.ConfirmedFrame() < frames-1 {
		tick(t, s, 0)
	}
	if obs.rollbacks == 0 {
		t.Fatalf("expected at least one rollback with random latency")
	}

	ref := newLineSim(2)
	for f := 0; f < frames; f++ {
		ref.Step(FrameInputs{Frame: Frame(f), Inputs: []PlayerInput{
			{Bits: trueLocal(f), Status: Confirmed},
			{Bits: remote[f], Status: Confirmed},
		}})
	}
	want, _ := ref.Snapshot()
	sum, ok := s.Checksum(frames - 1)
	if !ok || sum != xxhash.Sum64(want) {
		t.Fatalf("confirmed state of frame %d differs from reference", frames-1)
	}
}

func TestStallAtWindow(t *testing.T) {
	s, obs := newTestSync(t, 0, 2, true, newLineSim(2))
	tick(t, s, 0)
	tick(t, s, 0)
	rep := tick(t, s, 0)
	if !rep.Stalled || rep.Frame != 2 || s.CurrentFrame() != 2 {
		t.Fatalf("expected stall at frame 2, got %+v", rep)
	}
	if !s.ShouldStall() || obs.stalls != 1 {
		t.Fatalf("expected stall to be reported")
	}
	if err := s.AddRemoteInput(1, 0, 0); err != nil {
		t.Fatalf("add remote input: %v", err)
	}
	rep = tick(t, s, 0)
	if rep.Stalled || rep.Frame != 2 {
		t.Fatalf("expected frame 2 stepped after input arrived, got %+v", rep)
	}
}

func TestWindowExhaustionIsDesync(t *testing.T) {
	s, _ := newTestSync(t, 0, 2, false, newLineSim(2))
	for i := 0; i < 6; i++ {
		tick(t, s, 0)
	}
	if err := s.AddRemoteInput(1, 1, input.Bits(0).With(input.Up)); err != nil {
		t.Fatalf("add remote input: %v", err)
	}
	_, _ = s.AddLocalInput(0, 0)
	_, err := s.AdvanceFrame()
	if !errors.Is(err, perrors.ErrDesync) {
		t.Fatalf("expected desync, got %v", err)
	}
}

func TestDuplicateAndConflictingInput(t *testing.T) {
	s, _ := newTestSync(t, 0, 8, true, newLineSim(2))
	up := input.Bits(0).With(input.Up)
	_ = s.AddRemoteInput(1, 0, up)
	_ = s.AddRemoteInput(1, 0, up)
	tick(t, s, 0)
	if s.ConfirmedFrame() != 0 {
		t.Fatalf("expected frame 0 confirmed, got %d", s.ConfirmedFrame())
	}
	_ = s.AddRemoteInput(1, 0, input.Bits(0).With(input.Down))
	_, _ = s.AddLocalInput(0, 0)
	_, err := s.AdvanceFrame()
	if !errors.Is(err, perrors.ErrDesync) {
		t.Fatalf("expected desync for conflicting input, got %v", err)
	}
	if perrors.CodeOf(err) != perrors.CodeDesync {
		t.Fatalf("unexpected code %s", perrors.CodeOf(err))
	}
}

func TestInputBelowHistoryDiscarded(t *testing.T) {
	s, obs := newTestSync(t, 0, 2, true, newLineSim(2))
	for f := 0; f < 20; f++ {
		_ = s.AddRemoteInput(1, Frame(f), 0)
		tick(t, s, 0)
	}
	// Retained history ends window+delay+slack frames below the watermark.
	if s.ConfirmedFrame() != 19 {
		t.Fatalf("expected all frames confirmed, got %d", s.ConfirmedFrame())
	}
	_ = s.AddRemoteInput(1, 3, input.Bits(0).With(input.Up))
	tick(t, s, 0)
	if obs.late != 1 {
		t.Fatalf("expected late input counted, got %d", obs.late)
	}
	if _, ok := s.ConfirmedInputs(3); ok {
		t.Fatalf("frame 3 should be pruned")
	}
	fi, ok := s.ConfirmedInputs(19)
	if !ok || !fi.Confirmed() {
		t.Fatalf("frame 19 should be retained and confirmed")
	}
}

func TestLocalInputsForResend(t *testing.T) {
	s, _ := newTestSync(t, 2, 8, true, newLineSim(2))
	up := input.Bits(0).With(input.Up)
	tick(t, s, up)
	tick(t, s, up)
	start, got := s.LocalInputs(0, 0, 10)
	if start != 0 || len(got) != 4 || got[0] != 0 || got[1] != 0 || got[2] != up || got[3] != up {
		t.Fatalf("unexpected local inputs from %d: %v", start, got)
	}
	if _, none := s.LocalInputs(1, 0, 10); none != nil {
		t.Fatalf("remote handle should have no local inputs")
	}
}

func TestCheckReceived(t *testing.T) {
	s, _ := newTestSync(t, 0, 4, true, newLineSim(2))
	up := input.Bits(0).With(input.Up)
	for f := 0; f < 6; f++ {
		_ = s.AddRemoteInput(1, Frame(f), 0)
		tick(t, s, 0)
	}
	if err := s.CheckReceived(1, 3, 0); err != nil {
		t.Fatalf("matching input rejected: %v", err)
	}
	if err := s.CheckReceived(1, 3, up); !errors.Is(err, perrors.ErrDesync) {
		t.Fatalf("expected desync for a conflicting confirmed input, got %v", err)
	}
	if err := s.CheckReceived(1, 40, up); err != nil {
		t.Fatalf("frame without input should pass, got %v", err)
	}
}

func TestReleaseKeepsConfirmedHistory(t *testing.T) {
	s, _ := newTestSync(t, 0, 4, true, newLineSim(2))
	for f := 0; f < 6; f++ {
		_ = s.AddRemoteInput(1, Frame(f), 0)
		tick(t, s, 0)
	}
	sum, ok := s.Checksum(5)
	if !ok {
		t.Fatalf("frame 5 should have a checksum")
	}
	s.Release()
	s.Release()
	if _, ok := s.Store.Oldest(); ok {
		t.Fatalf("snapshots retained after release")
	}
	if got, ok := s.Checksum(5); !ok || got != sum {
		t.Fatalf("checksum lost after release")
	}
	if fi, ok := s.ConfirmedInputs(5); !ok || !fi.Confirmed() {
		t.Fatalf("confirmed inputs lost after release")
	}
	if _, err := s.AdvanceFrame(); !errors.Is(err, ErrReleased) {
		t.Fatalf("expected released error, got %v", err)
	}
}
