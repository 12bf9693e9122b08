package main

import (
	"bufio"
	"io"

	"pongnet/pkg/input"
)

const (
	keyCtrlC = 3
	keyEsc   = 27
)

// keyEvent is one decoded keystroke from a raw terminal.
type keyEvent struct {
	control input.Control
	quit    bool
}

// decodeKeys turns raw terminal bytes into controls. Arrow keys arrive as
// ESC [ A / ESC [ B; other escape sequences and control bytes are ignored.
func decodeKeys(b []byte) []keyEvent {
	var out []keyEvent
	for i := 0; i < len(b); i++ {
		switch c := b[i]; {
		case c == keyCtrlC || c == 'q' || c == 'Q':
			out = append(out, keyEvent{quit: true})
		case c == 'w' || c == 'W':
			out = append(out, keyEvent{control: "w"})
		case c == 's' || c == 'S':
			out = append(out, keyEvent{control: "s"})
		case c == keyEsc && i+2 < len(b) && b[i+1] == '[':
			switch b[i+2] {
			case 'A':
				out = append(out, keyEvent{control: "up"})
			case 'B':
				out = append(out, keyEvent{control: "down"})
			}
			i += 2
		}
	}
	return out
}

// readKeys feeds keystrokes from r into latch until r fails or a quit key
// is read, then closes quit.
func readKeys(r io.Reader, latch *input.Latch, quit chan<- struct{}) {
	defer close(quit)
	br := bufio.NewReader(r)
	buf := make([]byte, 64)
	for {
		n, err := br.Read(buf)
		for _, ev := range decodeKeys(buf[:n]) {
			if ev.quit {
				return
			}
			// Opposite directions cancel a held press so a tap reverses at once.
			switch ev.control {
			case "w", "up":
				latch.Release("s")
				latch.Release("down")
			case "s", "down":
				latch.Release("w")
				latch.Release("up")
			}
			latch.Press(ev.control)
		}
		if err != nil {
			return
		}
	}
}
