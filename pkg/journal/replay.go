package journal

import (
	"context"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"

	perrors "pongnet/internal/platform/errors"
	"pongnet/pkg/rollback"
)

// ReplayResult summarizes a replay.
type ReplayResult struct {
	Frames    int
	LastFrame rollback.Frame
	Checksum  uint64
	// Verified is set when the match recorded a final checksum and the
	// replay reproduced it.
	Verified bool
}

// Replay steps sim through frames, which must start at 0 with no gaps, and
// returns the checksum of the state after the last one.
func Replay(sim rollback.Simulation, frames []rollback.FrameInputs) (ReplayResult, error) {
	res := ReplayResult{LastFrame: rollback.NullFrame}
	for i, fi := range frames {
		if fi.Frame != rollback.Frame(i) {
			return res, fmt.Errorf("journal has a gap before frame %d", fi.Frame)
		}
		sim.Step(fi)
		res.Frames++
		res.LastFrame = fi.Frame
	}
	data, err := sim.Snapshot()
	if err != nil {
		return res, fmt.Errorf("snapshot after replay: %w", err)
	}
	res.Checksum = xxhash.Sum64(data)
	return res, nil
}

// Verify replays a stored match into sim and compares the result with the
// checksum the live session recorded. A mismatch is a desync error.
func (s *Store) Verify(ctx context.Context, id string, sim rollback.Simulation) (ReplayResult, error) {
	m, err := s.Match(ctx, id)
	if err != nil {
		return ReplayResult{}, err
	}
	frames, err := s.Frames(ctx, id)
	if err != nil {
		return ReplayResult{}, err
	}
	if m.LastFrame != rollback.NullFrame && int(m.LastFrame)+1 < len(frames) {
		frames = frames[:m.LastFrame+1]
	}
	res, err := Replay(sim, frames)
	if err != nil {
		return res, err
	}
	if m.LastFrame == rollback.NullFrame || m.Checksum == 0 {
		return res, nil
	}
	if res.LastFrame != m.LastFrame || res.Checksum != m.Checksum {
		return res, perrors.WithMetadata(perrors.CodeDesync, "replay diverged from the recorded match", map[string]string{
			"match":          id,
			"frame":          strconv.Itoa(int(res.LastFrame)),
			"recorded_frame": strconv.Itoa(int(m.LastFrame)),
			"checksum":       strconv.FormatUint(res.Checksum, 16),
			"recorded":       strconv.FormatUint(m.Checksum, 16),
		})
	}
	res.Verified = true
	return res, nil
}
