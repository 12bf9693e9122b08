// Package input turns control-device state into the fixed-width input value
// exchanged between peers every frame.
package input

import "strings"

// Action is one discrete player intent. The set is closed; adding an action
// means adding a constant before NumActions.
type Action uint8

const (
	Up Action = iota
	Down

	NumActions
)

// Bits holds one bit per Action. The zero value means nothing pressed.
type Bits uint8

// Size is the encoded width of Bits in bytes.
const Size = 1

// Fails to compile once the action set outgrows Bits.
var _ [8 - NumActions]struct{}

var actionNames = [NumActions]string{
	Up:   "up",
	Down: "down",
}

func (a Action) String() string {
	if a < NumActions {
		return actionNames[a]
	}
	return "unknown"
}

func (a Action) mask() Bits { return 1 << a }

// Has reports whether the action's bit is set.
func (b Bits) Has(a Action) bool { return b&a.mask() != 0 }

// With returns b with the action's bit set.
func (b Bits) With(a Action) Bits { return b | a.mask() }

// Without returns b with the action's bit cleared.
func (b Bits) Without(a Action) Bits { return b &^ a.mask() }

// Valid reports whether only known action bits are set.
func (b Bits) Valid() bool { return b>>NumActions == 0 }

// Direction is the vertical paddle direction: +1 up, -1 down, 0 for none or
// both.
func (b Bits) Direction() int {
	d := 0
	if b.Has(Up) {
		d++
	}
	if b.Has(Down) {
		d--
	}
	return d
}

func (b Bits) String() string {
	if b == 0 {
		return "none"
	}
	var parts []string
	for a := Action(0); a < NumActions; a++ {
		if b.Has(a) {
			parts = append(parts, a.String())
		}
	}
	return strings.Join(parts, "+")
}
