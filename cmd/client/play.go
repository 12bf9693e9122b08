package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"pongnet/internal/platform/config"
	perrors "pongnet/internal/platform/errors"
	"pongnet/internal/platform/otel"
	"pongnet/pkg/game"
	"pongnet/pkg/input"
	"pongnet/pkg/journal"
	"pongnet/pkg/metrics"
	"pongnet/pkg/session"
	"pongnet/pkg/signaling"
	"pongnet/pkg/transport"
)

const (
	boardCols = 61
	boardRows = 21
	// keyHold is how long a terminal key press counts as held; terminals
	// send repeats, not releases.
	keyHold = 150 * time.Millisecond
)

type playFlags struct {
	url       string
	room      string
	transport string
	delay     int
	window    int
	logFile   string
}

func playCmd() *cobra.Command {
	var f playFlags
	cmd := &cobra.Command{
		Use:   "play",
		Short: "Join a room and play",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadPeer()
			if err != nil {
				return perrors.Wrap(perrors.CodeConfig, "load config", err)
			}
			if f.url != "" {
				cfg.SignalURL = f.url
			}
			if f.room != "" {
				cfg.Room = f.room
			}
			if f.transport != "" {
				cfg.Transport = f.transport
			}
			if f.delay >= 0 {
				cfg.InputDelay = f.delay
			}
			if f.window > 0 {
				cfg.RollbackWindow = f.window
			}
			if err := cfg.Validate(); err != nil {
				return perrors.Wrap(perrors.CodeConfig, "invalid config", err)
			}
			return play(cmd.Context(), cfg, f.logFile)
		},
	}
	cmd.Flags().StringVar(&f.url, "url", "", "rendezvous url (overrides PONGNET_SIGNAL_URL)")
	cmd.Flags().StringVar(&f.room, "room", "", "room name (overrides PONGNET_ROOM)")
	cmd.Flags().StringVar(&f.transport, "transport", "", "relay or udp (overrides PONGNET_TRANSPORT)")
	cmd.Flags().IntVar(&f.delay, "delay", -1, "input delay in frames (overrides PONGNET_INPUT_DELAY)")
	cmd.Flags().IntVar(&f.window, "window", 0, "rollback window in frames (overrides PONGNET_ROLLBACK_WINDOW)")
	cmd.Flags().StringVar(&f.logFile, "log-file", "pongnet.log", "log destination while the board is drawn; empty logs to stderr")
	return cmd
}

func newLogger(path, level string) (*slog.Logger, io.Closer, error) {
	var w io.Writer = os.Stderr
	var closer io.Closer = io.NopCloser(nil)
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w, closer = f, f
	}
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: config.ParseLevel(level)})
	return slog.New(h), closer, nil
}

// serveMetrics exposes the peer's collectors until ctx ends.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *slog.Logger) {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", "addr", addr, "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
}

func play(ctx context.Context, cfg config.Peer, logFile string) error {
	logger, closeLog, err := newLogger(logFile, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer closeLog.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := otel.Setup(ctx, "pongnet-client")
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	reg := prometheus.NewRegistry()
	netplay := metrics.NewNetplay(metrics.WithRegistry(reg))
	if cfg.MetricsAddr != "" {
		serveMetrics(ctx, cfg.MetricsAddr, reg, logger)
	}

	clientCfg := signaling.ClientConfig{
		URL:         cfg.SignalURL,
		Players:     cfg.Players,
		Mode:        cfg.Transport,
		RoomTimeout: cfg.RoomTimeout,
		Logger:      logger,
	}
	if cfg.Transport == signaling.ModeUDP {
		udp, err := transport.ListenUDP(cfg.UDPAddr, logger)
		if err != nil {
			return err
		}
		defer udp.Close()
		_, port, _ := net.SplitHostPort(udp.LocalAddr().String())
		clientCfg.UDP = udp
		clientCfg.AdvertiseAddr = net.JoinHostPort(cfg.AdvertiseHost, port)
	}

	fmt.Printf("waiting for %d players in room %q at %s\n", cfg.Players, cfg.Room, cfg.SignalURL)
	match, err := signaling.NewClient(clientCfg).Connect(ctx, cfg.Room)
	if err != nil {
		return err
	}
	local := match.LocalHandle()
	logger.Info("match found", "match", match.ID, "self", match.Self, "handle", local, "seed", match.Seed)

	sim := game.NewPong(match.Seed)
	builder := session.NewBuilder().
		WithInputDelay(cfg.InputDelay).
		WithRollbackWindow(cfg.RollbackWindow).
		WithDisconnectTimeout(cfg.DisconnectTimeout).
		WithChecksumInterval(cfg.ChecksumInterval).
		WithFrameRate(cfg.TickHz).
		WithLogger(logger).
		WithMetrics(netplay).
		AddPlayers(session.PlayersFromOrder(match.Self, match.Players))

	var rec *journal.Recorder
	if cfg.JournalPath != "" {
		store, err := journal.Open(cfg.JournalPath)
		if err != nil {
			return err
		}
		defer store.Close()
		rec, err = store.Begin(ctx, journal.Match{
			ID:          match.ID,
			Seed:        match.Seed,
			Players:     len(match.Players),
			LocalHandle: local,
			InputDelay:  cfg.InputDelay,
		})
		if err != nil {
			return err
		}
		builder.WithJournal(rec)
	}

	sess, err := builder.Build(match.Channel, sim)
	if err != nil {
		_ = match.Channel.Close()
		return err
	}

	latch := input.NewLatch(keyHold)
	collector := input.NewCollector(latch, nil)
	quit := make(chan struct{})
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		oldState, err := term.MakeRaw(fd)
		if err == nil {
			defer term.Restore(fd, oldState)
		}
	}
	go readKeys(os.Stdin, latch, quit)

	result, runErr := loop(ctx, sess, sim, collector, quit, cfg.TickInterval(), local, logger)
	_ = sess.Close()

	if rec != nil {
		last := sess.ConfirmedFrame()
		sum, _ := sess.Checksum(last)
		if err := rec.End(context.Background(), result, last, sum); err != nil {
			logger.Warn("journal finish failed", "error", err)
		}
	}
	fmt.Print("\033[2J\033[H")
	st := sim.State()
	fmt.Printf("match %s ended: %s at frame %d (confirmed %d), score %d:%d\r\n",
		match.ID, result, sess.CurrentFrame(), sess.ConfirmedFrame(), st.Scores[0], st.Scores[1])
	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

// loop ticks the session at the frame rate and draws the board. It returns
// a short result label for the journal.
func loop(ctx context.Context, sess *session.Session, sim *game.Pong, c *input.Collector,
	quit <-chan struct{}, interval time.Duration, local int, logger *slog.Logger) (string, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	fmt.Print("\033[2J")
	skipped := false
	for n := 0; ; n++ {
		select {
		case <-ctx.Done():
			return "interrupted", ctx.Err()
		case <-quit:
			return "quit", nil
		case <-ticker.C:
		}
		// Running ahead of the peer only grows rollbacks; give it a frame.
		if sess.FramesAhead() > 1 && !skipped {
			skipped = true
			continue
		}
		skipped = false

		rep, err := sess.Tick(ctx, c)
		for _, ev := range sess.Events() {
			logger.Info("session event", "kind", ev.Kind, "frame", ev.Frame, "peer", ev.Peer, "frames", ev.Frames)
		}
		if err != nil {
			switch perrors.CodeOf(err) {
			case perrors.CodeDesync:
				return "desync", err
			case perrors.CodeTransport:
				return "disconnected", err
			}
			return "error", err
		}
		if n%3 == 0 {
			draw(sim.State(), sess, rep.Stalled, local)
		}
	}
}

func draw(st game.State, sess *session.Session, stalled bool, local int) {
	var b strings.Builder
	b.WriteString("\033[H")
	for _, line := range game.Render(st, boardCols, boardRows) {
		b.WriteString(line)
		b.WriteString("\r\n")
	}
	status := "running"
	if sess.State() == session.StateSynchronizing {
		status = "synchronizing"
	} else if stalled {
		status = "waiting for peer"
	}
	side := "left"
	if local == 1 {
		side = "right"
	}
	fmt.Fprintf(&b, "you: %s paddle | frame %d confirmed %d | rtt %s | %s\033[K\r\n",
		side, sess.CurrentFrame(), sess.ConfirmedFrame(), sess.RTT().Round(time.Millisecond), status)
	b.WriteString("W/S or arrows to move, Q to quit\033[K\r\n")
	fmt.Print(b.String())
}
