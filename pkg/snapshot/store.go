// Package snapshot keeps simulation state captures for the most recent frames
// so the rollback engine can rewind and resimulate.
package snapshot

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// MaxSize bounds a single capture.
const MaxSize = 64 << 10

var (
	// ErrTooLarge is returned by Put for captures over MaxSize.
	ErrTooLarge = errors.New("snapshot: capture exceeds max size")
	// ErrTooOld is returned by Put for frames already evicted from the window.
	ErrTooOld = errors.New("snapshot: frame older than retained window")
)

// Snapshot is an immutable capture of the simulation after Frame was stepped.
type Snapshot struct {
	Frame    int32
	Data     []byte
	Checksum uint64
}

type slot struct {
	snap Snapshot
	ok   bool
}

// Store is a fixed-capacity ring of snapshots keyed by frame. Entries older
// than capacity frames behind the newest one are evicted automatically. Not
// safe for concurrent use; it belongs to a single synchronizer.
type Store struct {
	slots  []slot
	newest int32
	any    bool
}

// NewStore creates a store retaining capacity frames.
func NewStore(capacity int) *Store {
	if capacity < 1 {
		capacity = 1
	}
	return &Store{slots: make([]slot, capacity)}
}

func (s *Store) index(frame int32) int {
	n := int32(len(s.slots))
	return int(((frame % n) + n) % n)
}

// Put stores a copy of data as the capture for frame. Putting a frame at or
// below the newest one discards every capture after it, since those states
// are about to be resimulated.
func (s *Store) Put(frame int32, data []byte) (Snapshot, error) {
	if len(data) > MaxSize {
		return Snapshot{}, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	if s.any && frame <= s.newest-int32(len(s.slots)) {
		return Snapshot{}, fmt.Errorf("%w: frame %d, newest %d", ErrTooOld, frame, s.newest)
	}
	if s.any && frame <= s.newest {
		for f := frame + 1; f <= s.newest; f++ {
			if sl := &s.slots[s.index(f)]; sl.ok && sl.snap.Frame == f {
				*sl = slot{}
			}
		}
	}
	snap := Snapshot{
		Frame:    frame,
		Data:     bytes.Clone(data),
		Checksum: xxhash.Sum64(data),
	}
	s.slots[s.index(frame)] = slot{snap: snap, ok: true}
	s.newest = frame
	s.any = true
	return snap, nil
}

// Get returns the capture for frame if it is still retained.
func (s *Store) Get(frame int32) (Snapshot, bool) {
	if !s.any || frame > s.newest || frame <= s.newest-int32(len(s.slots)) {
		return Snapshot{}, false
	}
	sl := s.slots[s.index(frame)]
	if !sl.ok || sl.snap.Frame != frame {
		return Snapshot{}, false
	}
	snap := sl.snap
	snap.Data = bytes.Clone(sl.snap.Data)
	return snap, true
}

// Latest returns the newest retained capture at or before frame.
func (s *Store) Latest(atOrBefore int32) (Snapshot, bool) {
	if !s.any {
		return Snapshot{}, false
	}
	f := atOrBefore
	if f > s.newest {
		f = s.newest
	}
	for ; f > s.newest-int32(len(s.slots)); f-- {
		if snap, ok := s.Get(f); ok {
			return snap, true
		}
	}
	return Snapshot{}, false
}

// Oldest returns the oldest retained frame.
func (s *Store) Oldest() (int32, bool) {
	if !s.any {
		return 0, false
	}
	for f := s.newest - int32(len(s.slots)) + 1; f <= s.newest; f++ {
		if sl := s.slots[s.index(f)]; sl.ok && sl.snap.Frame == f {
			return f, true
		}
	}
	return 0, false
}

// Newest returns the most recently put frame.
func (s *Store) Newest() (int32, bool) {
	return s.newest, s.any
}

// Len counts retained captures.
func (s *Store) Len() int {
	n := 0
	for _, sl := range s.slots {
		if sl.ok && sl.snap.Frame > s.newest-int32(len(s.slots)) && sl.snap.Frame <= s.newest {
			n++
		}
	}
	return n
}

// Reset drops every capture.
func (s *Store) Reset() {
	for i := range s.slots {
		s.slots[i] = slot{}
	}
	s.newest = 0
	s.any = false
}
