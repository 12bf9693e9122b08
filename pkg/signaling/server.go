package signaling

import (
	"encoding/binary"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pongnet/pkg/metrics"
	"pongnet/pkg/transport"
)

const joinTimeout = 10 * time.Second

// ServerConfig configures the rendezvous server.
type ServerConfig struct {
	MaxRooms   int
	MaxPlayers int
	// WriteTimeout bounds each websocket write.
	WriteTimeout time.Duration
	// AllowedOrigins restricts browser origins; empty allows any.
	AllowedOrigins []string
	Logger         *slog.Logger
	Metrics        *metrics.Rendezvous
	// Gatherer backs /metrics. Default: prometheus.DefaultGatherer
	Gatherer prometheus.Gatherer
}

type member struct {
	id      transport.PeerID
	udpAddr string
	conn    *websocket.Conn
	writeMu sync.Mutex
	timeout time.Duration
	// welcomed is closed once the welcome was written, so the peer list
	// never reaches a client before its own id does.
	welcomed chan struct{}
}

// delivery is a message decided under the server lock and written after it
// is released.
type delivery struct {
	to  *member
	env Envelope
}

func (m *member) send(env Envelope) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.timeout > 0 {
		_ = m.conn.SetWriteDeadline(time.Now().Add(m.timeout))
	}
	return m.conn.WriteJSON(env)
}

type room struct {
	name    string
	size    int
	members []*member
	matched bool
	matchID string
	seed    uint32
}

func (r *room) find(id transport.PeerID) *member {
	for _, m := range r.members {
		if m.id == id {
			return m
		}
	}
	return nil
}

// Server is the rendezvous server. It holds rooms in memory only.
type Server struct {
	cfg      ServerConfig
	logger   *slog.Logger
	metrics  *metrics.Rendezvous
	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]*room
}

// NewServer returns a server with defaults applied to cfg.
func NewServer(cfg ServerConfig) *Server {
	if cfg.MaxRooms <= 0 {
		cfg.MaxRooms = 1024
	}
	if cfg.MaxPlayers <= 0 {
		cfg.MaxPlayers = 2
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		cfg:     cfg,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		rooms:   make(map[string]*room),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if len(s.cfg.AllowedOrigins) == 0 || origin == "" {
		return true
	}
	return slices.Contains(s.cfg.AllowedOrigins, origin)
}

// Handler returns the HTTP routes: the websocket endpoint, a health check
// and Prometheus metrics.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	r.Get("/ws/{room}", s.handleWS)
	return r
}

// RoomCount reports rooms with at least one member.
func (s *Server) RoomCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "room")
	size := s.cfg.MaxPlayers
	if v := r.URL.Query().Get("players"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > s.cfg.MaxPlayers {
			s.metrics.Join("bad_request")
			http.Error(w, "players must be between 1 and "+strconv.Itoa(s.cfg.MaxPlayers), http.StatusBadRequest)
			return
		}
		size = n
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.metrics.WebSocketError("upgrade")
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	m := &member{conn: conn, timeout: s.cfg.WriteTimeout, welcomed: make(chan struct{})}
	var join Envelope
	_ = conn.SetReadDeadline(time.Now().Add(joinTimeout))
	if err := conn.ReadJSON(&join); err != nil || join.Type != TypeJoin {
		s.metrics.Join("bad_request")
		_ = m.send(Envelope{Type: TypeError, Error: ErrTextBadJoin})
		return
	}
	_ = conn.SetReadDeadline(time.Time{})
	m.udpAddr = join.UDPAddr

	rm, peerList, reason := s.admit(name, size, m)
	if rm == nil {
		s.metrics.Join(reasonLabel(reason))
		s.logger.Info("join rejected", "room", name, "reason", reason)
		_ = m.send(Envelope{Type: TypeError, Error: reason})
		return
	}
	s.metrics.Join("ok")
	s.metrics.PeerConnected()
	defer s.leave(rm, m)

	err = m.send(Envelope{Type: TypeWelcome, PeerID: m.id})
	close(m.welcomed)
	if err != nil {
		s.metrics.WebSocketError("write")
		s.logger.Warn("welcome failed", "peer", m.id, "error", err)
	}
	s.deliver(peerList)

	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read ended", "peer", m.id, "error", err)
			}
			return
		}
		if env.Type != TypeData {
			continue
		}
		s.relay(rm, m, env)
	}
}

// admit adds m to the named room, creating it if needed, and assigns its
// id. It only decides: once the room fills it returns the peer list for
// every member, which the caller writes after the server lock is released.
func (s *Server) admit(name string, size int, m *member) (*room, []delivery, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm, ok := s.rooms[name]
	if !ok {
		if len(s.rooms) >= s.cfg.MaxRooms {
			return nil, nil, ErrTextServerFull
		}
		rm = &room{name: name, size: size}
		s.rooms[name] = rm
		s.metrics.RoomOpened()
	}
	if rm.size != size {
		return nil, nil, ErrTextSizeMismatch
	}
	if rm.matched || len(rm.members) >= rm.size {
		return nil, nil, ErrTextRoomFull
	}
	m.id = transport.PeerID(uuid.NewString())
	rm.members = append(rm.members, m)
	s.logger.Info("peer joined", "room", name, "peer", m.id, "members", len(rm.members), "size", rm.size)
	if len(rm.members) < rm.size {
		return rm, nil, ""
	}

	matchID := uuid.New()
	rm.matched = true
	rm.matchID = matchID.String()
	rm.seed = binary.LittleEndian.Uint32(matchID[:4])
	peers := make([]PeerInfo, len(rm.members))
	for i, p := range rm.members {
		peers[i] = PeerInfo{ID: p.id, UDPAddr: p.udpAddr}
	}
	env := Envelope{Type: TypePeers, Peers: peers, MatchID: rm.matchID, Seed: rm.seed}
	out := make([]delivery, len(rm.members))
	for i, p := range rm.members {
		out[i] = delivery{to: p, env: env}
	}
	s.metrics.Matched()
	s.logger.Info("room matched", "room", name, "match", rm.matchID)
	return rm, out, ""
}

// deliver writes the peer list. It waits for each member's welcome, which
// that member's own handler is writing concurrently.
func (s *Server) deliver(out []delivery) {
	for _, d := range out {
		<-d.to.welcomed
		if err := d.to.send(d.env); err != nil {
			s.metrics.WebSocketError("write")
			s.logger.Warn("peer list send failed", "peer", d.to.id, "error", err)
		}
	}
}

func (s *Server) relay(rm *room, from *member, env Envelope) {
	s.mu.Lock()
	to := rm.find(env.To)
	s.mu.Unlock()
	if to == nil {
		s.logger.Debug("relay to unknown peer", "from", from.id, "to", env.To)
		return
	}
	out := Envelope{Type: TypeData, From: from.id, To: to.id, Data: env.Data}
	if err := to.send(out); err != nil {
		s.metrics.WebSocketError("write")
		s.logger.Debug("relay write failed", "to", to.id, "error", err)
		return
	}
	s.metrics.Relayed()
}

func (s *Server) leave(rm *room, m *member) {
	s.mu.Lock()
	rm.members = slices.DeleteFunc(rm.members, func(p *member) bool { return p == m })
	remaining := slices.Clone(rm.members)
	if len(remaining) == 0 {
		delete(s.rooms, rm.name)
		s.metrics.RoomClosed()
	}
	s.mu.Unlock()

	s.metrics.PeerLeft()
	s.logger.Info("peer left", "room", rm.name, "peer", m.id)
	for _, p := range remaining {
		_ = p.send(Envelope{Type: TypePeerLeft, PeerID: m.id})
	}
}

// Close drops every connection. Handlers then unwind through leave.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rm := range s.rooms {
		for _, m := range rm.members {
			_ = m.conn.Close()
		}
	}
}

func reasonLabel(reason string) string {
	switch reason {
	case ErrTextRoomFull:
		return "room_full"
	case ErrTextServerFull:
		return "server_full"
	default:
		return "bad_request"
	}
}
