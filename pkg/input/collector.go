package input

import (
	"sort"
	"sync"
	"time"
)

// Control names a physical key or button, e.g. "w" or "up".
type Control string

// Map binds physical controls to actions. Several controls may share one
// action.
type Map map[Control]Action

// DefaultMap mirrors the classic bindings: W and the up arrow move up, S and
// the down arrow move down.
func DefaultMap() Map {
	return Map{
		"w":    Up,
		"up":   Up,
		"s":    Down,
		"down": Down,
	}
}

// Controls returns the bound controls in a stable order.
func (m Map) Controls() []Control {
	out := make([]Control, 0, len(m))
	for c := range m {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// KeyState reports which controls are currently held.
type KeyState interface {
	Pressed(c Control) bool
}

// Collector samples local controls once per tick.
type Collector struct {
	keys     KeyState
	bindings Map
	paused   bool
}

// NewCollector returns a collector reading keys through bindings. A nil map
// uses DefaultMap.
func NewCollector(keys KeyState, bindings Map) *Collector {
	if bindings == nil {
		bindings = DefaultMap()
	}
	return &Collector{keys: keys, bindings: bindings}
}

// Sample returns the current input. It never touches the network or the
// simulation and returns the zero value while paused.
func (c *Collector) Sample() Bits {
	if c == nil || c.paused || c.keys == nil {
		return 0
	}
	var b Bits
	for control, action := range c.bindings {
		if c.keys.Pressed(control) {
			b = b.With(action)
		}
	}
	return b
}

// Pause makes Sample return no input until Resume.
func (c *Collector) Pause() { c.paused = true }

// Resume re-enables sampling.
func (c *Collector) Resume() { c.paused = false }

// Paused reports whether sampling is suspended.
func (c *Collector) Paused() bool { return c.paused }

// Latch is a KeyState for sources that only report key presses, such as a
// raw terminal. A press counts as held for the hold duration.
type Latch struct {
	mu      sync.Mutex
	hold    time.Duration
	now     func() time.Time
	expires map[Control]time.Time
}

// NewLatch creates a latch holding each press for hold.
func NewLatch(hold time.Duration) *Latch {
	return &Latch{
		hold:    hold,
		now:     time.Now,
		expires: make(map[Control]time.Time),
	}
}

// Press marks c as held from now.
func (l *Latch) Press(c Control) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.expires[c] = l.now().Add(l.hold)
}

// Release drops c immediately.
func (l *Latch) Release(c Control) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.expires, c)
}

// Pressed implements KeyState.
func (l *Latch) Pressed(c Control) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	exp, ok := l.expires[c]
	return ok && l.now().Before(exp)
}
