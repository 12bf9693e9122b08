package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	perrors "pongnet/internal/platform/errors"
	"pongnet/pkg/transport"
)

const tracerName = "pongnet/signaling"

// Transport modes.
const (
	ModeRelay = "relay"
	ModeUDP   = "udp"
)

// ClientConfig configures matchmaking.
type ClientConfig struct {
	// URL is the rendezvous base, e.g. ws://127.0.0.1:3536.
	URL     string
	Players int
	// Mode is ModeRelay or ModeUDP.
	Mode string
	// UDP is the bound socket for ModeUDP; AdvertiseAddr is the address
	// other peers should send to.
	UDP           *transport.UDPChannel
	AdvertiseAddr string
	// RoomTimeout bounds the wait for the room to fill. Zero waits for ctx.
	RoomTimeout  time.Duration
	WriteTimeout time.Duration
	Dialer       *websocket.Dialer
	Logger       *slog.Logger
}

// Match is the result of matchmaking.
type Match struct {
	ID   string
	Self transport.PeerID
	// Players lists every member in the server-assigned order, which is the
	// player handle order, Self included.
	Players []transport.PeerID
	// Seed is shared by every member, for the simulation's generator.
	Seed    uint32
	Channel transport.Channel
}

// LocalHandle returns Self's position in Players.
func (m *Match) LocalHandle() int {
	for i, p := range m.Players {
		if p == m.Self {
			return i
		}
	}
	return -1
}

// Client connects to a rendezvous server.
type Client struct {
	cfg    ClientConfig
	logger *slog.Logger
	tracer trace.Tracer
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeRelay
	}
	if cfg.Players <= 0 {
		cfg.Players = 2
	}
	return &Client{cfg: cfg, logger: cfg.Logger, tracer: otel.Tracer(tracerName)}
}

func (c *Client) roomURL(room string) (string, error) {
	base, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", err
	}
	switch base.Scheme {
	case "http":
		base.Scheme = "ws"
	case "https":
		base.Scheme = "wss"
	}
	base.Path = strings.TrimSuffix(base.Path, "/") + "/ws/" + url.PathEscape(room)
	base.RawQuery = url.Values{"players": {strconv.Itoa(c.cfg.Players)}}.Encode()
	return base.String(), nil
}

// Connect joins room and blocks until it is full, ctx ends or the room
// timeout passes. All failures are signaling errors; retrying is up to the
// caller.
func (c *Client) Connect(ctx context.Context, room string) (_ *Match, err error) {
	ctx, span := c.tracer.Start(ctx, "signaling.connect",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("pongnet.room", room),
			attribute.Int("pongnet.players", c.cfg.Players),
			attribute.String("pongnet.transport", c.cfg.Mode),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	if c.cfg.Mode == ModeUDP && c.cfg.UDP == nil {
		return nil, perrors.New(perrors.CodeConfig, "udp mode needs a bound udp channel")
	}
	if c.cfg.RoomTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RoomTimeout)
		defer cancel()
	}
	target, err := c.roomURL(room)
	if err != nil {
		return nil, perrors.Wrap(perrors.CodeSignaling, "bad rendezvous url", err)
	}
	conn, resp, err := c.cfg.Dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, perrors.Wrap(perrors.CodeSignaling, "dial rendezvous", err)
	}
	relay := newRelayChannel(conn, c.cfg.WriteTimeout, c.logger)
	keep := false
	defer func() {
		if !keep {
			_ = relay.Close()
		}
	}()

	join := Envelope{Type: TypeJoin}
	if c.cfg.Mode == ModeUDP {
		join.UDPAddr = c.cfg.AdvertiseAddr
	}
	if err := relay.write(join); err != nil {
		return nil, perrors.Wrap(perrors.CodeSignaling, "send join", err)
	}

	var self transport.PeerID
	for {
		var env Envelope
		var ok bool
		select {
		case <-ctx.Done():
			return nil, perrors.Wrap(perrors.CodeSignaling, "waiting for room "+room, ctx.Err())
		case env, ok = <-relay.ctrl:
			if !ok {
				return nil, perrors.New(perrors.CodeSignaling, "rendezvous closed the connection")
			}
		}
		switch env.Type {
		case TypeWelcome:
			self = env.PeerID
			span.SetAttributes(attribute.String("pongnet.peer", string(self)))
			c.logger.Info("joined room", "room", room, "peer", self)
		case TypeError:
			return nil, perrors.WithMetadata(perrors.CodeSignaling, "rendezvous rejected join: "+env.Error,
				map[string]string{"room": room})
		case TypePeers:
			if self == "" || len(env.Peers) != c.cfg.Players {
				continue
			}
			match, err := c.bind(self, env, relay)
			if err != nil {
				return nil, err
			}
			keep = c.cfg.Mode == ModeRelay
			span.SetAttributes(attribute.String("pongnet.match", match.ID))
			c.logger.Info("room matched", "room", room, "match", match.ID, "players", len(match.Players))
			return match, nil
		}
	}
}

func (c *Client) bind(self transport.PeerID, env Envelope, relay *RelayChannel) (*Match, error) {
	m := &Match{ID: env.MatchID, Self: self, Seed: env.Seed}
	found := false
	for _, p := range env.Peers {
		m.Players = append(m.Players, p.ID)
		found = found || p.ID == self
	}
	if !found {
		return nil, perrors.New(perrors.CodeSignaling, "peer list does not include this peer")
	}
	if c.cfg.Mode != ModeUDP {
		relay.setPeers(self, env.Peers)
		m.Channel = relay
		return m, nil
	}
	for _, p := range env.Peers {
		if p.ID == self {
			continue
		}
		if p.UDPAddr == "" {
			return nil, perrors.Newf(perrors.CodeSignaling, "peer %s advertised no udp address", p.ID)
		}
		if err := c.cfg.UDP.AddPeer(p.ID, p.UDPAddr); err != nil {
			return nil, perrors.Wrap(perrors.CodeSignaling, "register udp peer", err)
		}
	}
	m.Channel = c.cfg.UDP
	return m, nil
}
