// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Peer configures a playing peer.
type Peer struct {
	SignalURL         string        `env:"PONGNET_SIGNAL_URL" envDefault:"ws://127.0.0.1:3536"`
	Room              string        `env:"PONGNET_ROOM" envDefault:"abcd"`
	Players           int           `env:"PONGNET_PLAYERS" envDefault:"2"`
	Transport         string        `env:"PONGNET_TRANSPORT" envDefault:"relay"`
	UDPAddr           string        `env:"PONGNET_UDP_ADDR" envDefault:":0"`
	AdvertiseHost     string        `env:"PONGNET_ADVERTISE_HOST" envDefault:"127.0.0.1"`
	InputDelay        int           `env:"PONGNET_INPUT_DELAY" envDefault:"2"`
	RollbackWindow    int           `env:"PONGNET_ROLLBACK_WINDOW" envDefault:"8"`
	TickHz            int           `env:"PONGNET_TICK_HZ" envDefault:"60"`
	RoomTimeout       time.Duration `env:"PONGNET_ROOM_TIMEOUT" envDefault:"2m"`
	DisconnectTimeout time.Duration `env:"PONGNET_DISCONNECT_TIMEOUT" envDefault:"5s"`
	ChecksumInterval  int           `env:"PONGNET_CHECKSUM_INTERVAL" envDefault:"30"`
	JournalPath       string        `env:"PONGNET_JOURNAL_PATH"`
	MetricsAddr       string        `env:"PONGNET_METRICS_ADDR"`
	LogLevel          string        `env:"PONGNET_LOG_LEVEL" envDefault:"info"`
}

// Rendezvous configures the signaling server.
type Rendezvous struct {
	ListenAddr     string        `env:"PONGNET_LISTEN_ADDR" envDefault:":3536"`
	MaxRooms       int           `env:"PONGNET_MAX_ROOMS" envDefault:"1024"`
	MaxPlayers     int           `env:"PONGNET_MAX_PLAYERS" envDefault:"2"`
	WriteTimeout   time.Duration `env:"PONGNET_WS_WRITE_TIMEOUT" envDefault:"5s"`
	AllowedOrigins []string      `env:"PONGNET_ALLOWED_ORIGINS" envSeparator:","`
	LogLevel       string        `env:"PONGNET_LOG_LEVEL" envDefault:"info"`
}

// Archive configures replay uploads to S3-compatible storage.
type Archive struct {
	Bucket          string `env:"PONGNET_ARCHIVE_BUCKET"`
	Prefix          string `env:"PONGNET_ARCHIVE_PREFIX" envDefault:"replays/"`
	Region          string `env:"PONGNET_ARCHIVE_REGION" envDefault:"us-east-1"`
	Endpoint        string `env:"PONGNET_ARCHIVE_ENDPOINT"`
	AccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
	SessionToken    string `env:"AWS_SESSION_TOKEN"`
}

// LoadPeer parses the peer configuration and checks the transport mode.
func LoadPeer() (Peer, error) {
	var cfg Peer
	if err := ParseEnv(&cfg); err != nil {
		return Peer{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Peer{}, err
	}
	return cfg, nil
}

// Validate checks fields the session builder does not own.
func (p Peer) Validate() error {
	switch p.Transport {
	case "udp", "relay":
	default:
		return fmt.Errorf("transport must be udp or relay, got %q", p.Transport)
	}
	if p.TickHz <= 0 || p.TickHz > 240 {
		return fmt.Errorf("tick hz must be in 1..240, got %d", p.TickHz)
	}
	if strings.TrimSpace(p.Room) == "" {
		return fmt.Errorf("room is required")
	}
	return nil
}

// TickInterval is the duration of one frame.
func (p Peer) TickInterval() time.Duration {
	return time.Second / time.Duration(p.TickHz)
}

// LoadRendezvous parses the signaling server configuration.
func LoadRendezvous() (Rendezvous, error) {
	var cfg Rendezvous
	if err := ParseEnv(&cfg); err != nil {
		return Rendezvous{}, err
	}
	return cfg, nil
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LoadArchive parses the archive configuration.
func LoadArchive() (Archive, error) {
	var cfg Archive
	if err := ParseEnv(&cfg); err != nil {
		return Archive{}, err
	}
	return cfg, nil
}
