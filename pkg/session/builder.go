package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	perrors "pongnet/internal/platform/errors"
	"pongnet/pkg/metrics"
	"pongnet/pkg/reliable"
	"pongnet/pkg/rollback"
	"pongnet/pkg/transport"
)

const (
	DefaultDisconnectTimeout = 5 * time.Second
	DefaultChecksumInterval  = 30
	DefaultFrameRate         = 60
)

// PlayerType says where a handle's input comes from.
type PlayerType struct {
	Peer transport.PeerID
	// local is explicit so the zero value is not a local player.
	local bool
}

// Local is the player on this machine.
func Local() PlayerType { return PlayerType{local: true} }

// Remote is a player reached through the channel under peer.
func Remote(peer transport.PeerID) PlayerType { return PlayerType{Peer: peer} }

// IsLocal reports whether t is the local player.
func (t PlayerType) IsLocal() bool { return t.local }

func (t PlayerType) String() string {
	if t.local {
		return "local"
	}
	return "remote(" + string(t.Peer) + ")"
}

// PlayersFromOrder maps a matchmaking order to player types: self is local,
// everyone else remote, handles follow the order.
func PlayersFromOrder(self transport.PeerID, order []transport.PeerID) []PlayerType {
	out := make([]PlayerType, len(order))
	for i, p := range order {
		if p == self {
			out[i] = Local()
		} else {
			out[i] = Remote(p)
		}
	}
	return out
}

// Recorder receives every frame once its inputs are final, in order.
type Recorder interface {
	RecordFrame(fi rollback.FrameInputs) error
}

type playerSlot struct {
	kind   PlayerType
	handle rollback.PlayerHandle
}

// Builder collects session configuration. Setters return the builder so
// they chain; validation happens in Build.
type Builder struct {
	numPlayers        int
	inputDelay        int
	window            int
	stallAtWindow     bool
	disconnectTimeout time.Duration
	checksumInterval  int
	frameRate         int
	players           []playerSlot
	clock             func() time.Time
	logger            *slog.Logger
	metrics           *metrics.Netplay
	journal           Recorder
}

func NewBuilder() *Builder {
	return &Builder{
		numPlayers:        2,
		inputDelay:        rollback.DefaultInputDelay,
		window:            rollback.DefaultWindow,
		stallAtWindow:     true,
		disconnectTimeout: DefaultDisconnectTimeout,
		checksumInterval:  DefaultChecksumInterval,
		frameRate:         DefaultFrameRate,
		clock:             time.Now,
	}
}

func (b *Builder) WithNumPlayers(n int) *Builder {
	b.numPlayers = n
	return b
}

func (b *Builder) WithInputDelay(frames int) *Builder {
	b.inputDelay = frames
	return b
}

func (b *Builder) WithRollbackWindow(n int) *Builder {
	b.window = n
	return b
}

func (b *Builder) WithStallAtWindow(on bool) *Builder {
	b.stallAtWindow = on
	return b
}

func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.clock = now
	return b
}

func (b *Builder) WithLogger(l *slog.Logger) *Builder {
	b.logger = l
	return b
}

func (b *Builder) WithMetrics(m *metrics.Netplay) *Builder {
	b.metrics = m
	return b
}

func (b *Builder) WithJournal(r Recorder) *Builder {
	b.journal = r
	return b
}

func (b *Builder) WithFrameRate(hz int) *Builder {
	b.frameRate = hz
	return b
}

// WithDisconnectTimeout sets how long a peer may stay silent. Zero disables
// the check.
func (b *Builder) WithDisconnectTimeout(d time.Duration) *Builder {
	b.disconnectTimeout = d
	return b
}

// WithChecksumInterval sets how often, in confirmed frames, checksums are
// exchanged. Zero disables desync detection.
func (b *Builder) WithChecksumInterval(frames int) *Builder {
	b.checksumInterval = frames
	return b
}

// AddPlayer assigns handle h to t. Handles must be supplied in order.
func (b *Builder) AddPlayer(t PlayerType, h rollback.PlayerHandle) *Builder {
	b.players = append(b.players, playerSlot{kind: t, handle: h})
	return b
}

// AddPlayers assigns handles 0..len(types)-1 in order.
func (b *Builder) AddPlayers(types []PlayerType) *Builder {
	for _, t := range types {
		b.AddPlayer(t, rollback.PlayerHandle(len(b.players)))
	}
	return b
}

func (b *Builder) validate(ch transport.Channel, sim rollback.Simulation) error {
	if b.numPlayers != 2 {
		return perrors.Newf(perrors.CodeConfig, "num players %d, only 2 are supported", b.numPlayers)
	}
	if len(b.players) != b.numPlayers {
		return perrors.Newf(perrors.CodeConfig, "%d players added, want %d", len(b.players), b.numPlayers)
	}
	locals := 0
	peers := make(map[transport.PeerID]bool)
	for i, p := range b.players {
		if int(p.handle) != i {
			return perrors.Newf(perrors.CodeConfig, "player %d added with handle %d, handles must be 0..%d in order",
				i, p.handle, b.numPlayers-1)
		}
		if p.kind.IsLocal() {
			locals++
			continue
		}
		if p.kind.Peer == "" {
			return perrors.Newf(perrors.CodeConfig, "remote player %d has no peer id", i)
		}
		if peers[p.kind.Peer] {
			return perrors.Newf(perrors.CodeConfig, "peer %s added twice", p.kind.Peer)
		}
		peers[p.kind.Peer] = true
	}
	if locals != 1 {
		return perrors.Newf(perrors.CodeConfig, "%d local players, need exactly 1", locals)
	}
	if b.inputDelay < 0 || b.inputDelay > rollback.MaxInputDelay {
		return perrors.Newf(perrors.CodeConfig, "input delay %d outside 0..%d", b.inputDelay, rollback.MaxInputDelay)
	}
	if b.window < 1 || b.window > rollback.MaxWindow {
		return perrors.Newf(perrors.CodeConfig, "rollback window %d outside 1..%d", b.window, rollback.MaxWindow)
	}
	if b.disconnectTimeout < 0 || b.checksumInterval < 0 || b.frameRate <= 0 {
		return perrors.New(perrors.CodeConfig, "negative timeout or interval, or frame rate not positive")
	}
	if ch == nil {
		return perrors.New(perrors.CodeConfig, "nil channel")
	}
	if sim == nil {
		return perrors.New(perrors.CodeConfig, "nil simulation")
	}
	return nil
}

// Build validates the configuration, checks every remote peer is reachable
// through ch and starts synchronizing. ch and sim belong to the session
// afterwards.
func (b *Builder) Build(ch transport.Channel, sim rollback.Simulation) (_ *Session, err error) {
	_, span := tracer.Start(context.Background(), "session.build")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := b.validate(ch, sim); err != nil {
		return nil, err
	}
	reachable := make(map[transport.PeerID]bool)
	for _, p := range ch.Peers() {
		reachable[p] = true
	}
	for _, p := range b.players {
		if !p.kind.IsLocal() && !reachable[p.kind.Peer] {
			return nil, perrors.WithMetadata(perrors.CodeTransport, "peer not reachable through channel",
				map[string]string{"peer": string(p.kind.Peer)})
		}
	}

	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	logger = logger.With("session", id)

	var local rollback.PlayerHandle
	for _, p := range b.players {
		if p.kind.IsLocal() {
			local = p.handle
		}
	}
	cfg := rollback.Config{
		NumPlayers:    b.numPlayers,
		LocalHandles:  []rollback.PlayerHandle{local},
		InputDelay:    b.inputDelay,
		Window:        b.window,
		StallAtWindow: b.stallAtWindow,
		Logger:        logger,
	}
	if b.metrics != nil {
		cfg.Observer = b.metrics
	}
	engine, err := rollback.NewSynchronizer(cfg, sim)
	if err != nil {
		return nil, err
	}

	now := b.clock()
	s := &Session{
		id:                id,
		ch:                ch,
		sync:              engine,
		clock:             b.clock,
		logger:            logger,
		metrics:           b.metrics,
		journal:           b.journal,
		local:             local,
		disconnectTimeout: b.disconnectTimeout,
		checksumInterval:  b.checksumInterval,
		frameRate:         b.frameRate,
		byPeer:            make(map[transport.PeerID]*endpoint),
		remoteSums:        make(map[rollback.Frame][]peerSum),
		lastLocal:         rollback.Frame(b.inputDelay) - 1,
		state:             StateSynchronizing,
	}
	for _, p := range b.players {
		if p.kind.IsLocal() {
			continue
		}
		ep := &endpoint{
			peer:       p.kind.Peer,
			handle:     p.handle,
			tx:         reliable.NewSender(b.clock),
			rx:         reliable.NewReceiver(),
			nonce:      newNonce(),
			lastRecv:   now,
			ackFrame:   rollback.NullFrame,
			remoteLast: rollback.NullFrame,
		}
		s.endpoints = append(s.endpoints, ep)
		s.byPeer[ep.peer] = ep
		s.queueHello(ep)
	}
	s.emit(Event{Kind: EventSynchronizing, Frame: 0})
	span.SetAttributes(
		attribute.String("pongnet.session", id),
		attribute.Int("pongnet.local_handle", int(local)),
		attribute.Int("pongnet.input_delay", b.inputDelay),
		attribute.Int("pongnet.window", b.window),
	)
	logger.Info("session built", "local", local, "peers", len(s.endpoints),
		"input_delay", b.inputDelay, "window", b.window, "stall_at_window", b.stallAtWindow)
	return s, nil
}
