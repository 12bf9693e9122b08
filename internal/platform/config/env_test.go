package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestLoadPeerDefaults(t *testing.T) {
	cfg, err := LoadPeer()
	if err != nil {
		t.Fatalf("load peer: %v", err)
	}
	if cfg.InputDelay != 2 {
		t.Fatalf("expected default input delay 2, got %d", cfg.InputDelay)
	}
	if cfg.RollbackWindow != 8 {
		t.Fatalf("expected default window 8, got %d", cfg.RollbackWindow)
	}
	if cfg.TickInterval() != time.Second/60 {
		t.Fatalf("unexpected tick interval %s", cfg.TickInterval())
	}
	if cfg.DisconnectTimeout != 5*time.Second {
		t.Fatalf("unexpected disconnect timeout %s", cfg.DisconnectTimeout)
	}
}

func TestLoadPeerOverrides(t *testing.T) {
	t.Setenv("PONGNET_INPUT_DELAY", "4")
	t.Setenv("PONGNET_TRANSPORT", "udp")
	t.Setenv("PONGNET_ROOM", "lobby-7")

	cfg, err := LoadPeer()
	if err != nil {
		t.Fatalf("load peer: %v", err)
	}
	if cfg.InputDelay != 4 || cfg.Transport != "udp" || cfg.Room != "lobby-7" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
}

func TestLoadPeerRejectsTransport(t *testing.T) {
	t.Setenv("PONGNET_TRANSPORT", "carrier-pigeon")

	_, err := LoadPeer()
	if err == nil || !strings.Contains(err.Error(), "transport") {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestParseEnvError(t *testing.T) {
	t.Setenv("PONGNET_TICK_HZ", "fast")

	_, err := LoadPeer()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}

func TestLoadRendezvousOrigins(t *testing.T) {
	t.Setenv("PONGNET_ALLOWED_ORIGINS", "http://a.test,http://b.test")

	cfg, err := LoadRendezvous()
	if err != nil {
		t.Fatalf("load rendezvous: %v", err)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "http://b.test" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
	if cfg.ListenAddr != ":3536" {
		t.Fatalf("unexpected listen addr %q", cfg.ListenAddr)
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("DEBUG") != slog.LevelDebug {
		t.Fatal("expected debug")
	}
	if ParseLevel("nonsense") != slog.LevelInfo {
		t.Fatal("expected info fallback")
	}
}
