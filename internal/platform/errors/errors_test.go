package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestIsMatchesByCode(t *testing.T) {
	err := Newf(CodeDesync, "frame %d conflicts", 12)
	if !stderrors.Is(err, ErrDesync) {
		t.Fatal("expected desync error to match ErrDesync")
	}
	if stderrors.Is(err, ErrTransport) {
		t.Fatal("desync error must not match ErrTransport")
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := fmt.Errorf("dial tcp: refused")
	err := fmt.Errorf("connect: %w", Wrap(CodeSignaling, "rendezvous unreachable", cause))

	if !stderrors.Is(err, ErrSignaling) {
		t.Fatal("expected wrapped error to match ErrSignaling")
	}
	if !stderrors.Is(err, cause) {
		t.Fatal("expected cause to stay in the chain")
	}
	if got := CodeOf(err); got != CodeSignaling {
		t.Fatalf("expected code %s, got %s", CodeSignaling, got)
	}
	if got := err.Error(); got != "connect: rendezvous unreachable: dial tcp: refused" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestCodeOfPlainError(t *testing.T) {
	if got := CodeOf(fmt.Errorf("boom")); got != CodeUnknown {
		t.Fatalf("expected unknown, got %s", got)
	}
}

func TestFatalCodes(t *testing.T) {
	tests := []struct {
		code  Code
		fatal bool
	}{
		{CodeSignaling, false},
		{CodeConfig, true},
		{CodeTransport, true},
		{CodeDesync, true},
		{CodeUnknown, false},
	}
	for _, tt := range tests {
		if got := tt.code.Fatal(); got != tt.fatal {
			t.Fatalf("%s: expected fatal=%v, got %v", tt.code, tt.fatal, got)
		}
	}
}
