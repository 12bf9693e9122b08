package main

import (
	"strings"
	"testing"
	"time"

	"pongnet/pkg/input"
)

func TestDecodeKeys(t *testing.T) {
	got := decodeKeys([]byte("wS\x1b[A\x1b[B\x1b[Cx"))
	want := []input.Control{"w", "s", "up", "down"}
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %+v", len(want), got)
	}
	for i, ev := range got {
		if ev.quit || ev.control != want[i] {
			t.Fatalf("event %d: got %+v want %s", i, ev, want[i])
		}
	}
	for _, b := range []string{"q", "Q", "\x03"} {
		if evs := decodeKeys([]byte(b)); len(evs) != 1 || !evs[0].quit {
			t.Fatalf("%q should quit, got %+v", b, evs)
		}
	}
}

func TestReadKeysFeedsLatch(t *testing.T) {
	latch := input.NewLatch(time.Hour)
	quit := make(chan struct{})
	readKeys(strings.NewReader("ws"), latch, quit)
	select {
	case <-quit:
	default:
		t.Fatalf("quit not closed at end of input")
	}
	if latch.Pressed("w") || !latch.Pressed("s") {
		t.Fatalf("s should cancel w")
	}
	c := input.NewCollector(latch, nil)
	if c.Sample().Direction() != -1 {
		t.Fatalf("expected down, got %s", c.Sample())
	}
}
