package signaling

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	perrors "pongnet/internal/platform/errors"
	"pongnet/pkg/transport"
)

// RelayChannel carries peer datagrams through the rendezvous server over
// the signaling websocket. It is slower than a direct UDP channel but needs
// no reachable address, which makes it the default for local play.
type RelayChannel struct {
	conn         *websocket.Conn
	logger       *slog.Logger
	inbox        *transport.Inbox
	writeTimeout time.Duration
	writeMu      sync.Mutex

	// ctrl receives every non-data message while matchmaking.
	ctrl chan Envelope
	done chan struct{}

	mu     sync.Mutex
	self   transport.PeerID
	peers  map[transport.PeerID]bool
	left   []transport.PeerID
	closed bool
}

func newRelayChannel(conn *websocket.Conn, writeTimeout time.Duration, logger *slog.Logger) *RelayChannel {
	c := &RelayChannel{
		conn:         conn,
		logger:       logger,
		inbox:        transport.NewInbox(0),
		writeTimeout: writeTimeout,
		ctrl:         make(chan Envelope, 32),
		done:         make(chan struct{}),
		peers:        make(map[transport.PeerID]bool),
	}
	go c.readLoop()
	return c
}

func (c *RelayChannel) readLoop() {
	defer close(c.done)
	defer close(c.ctrl)
	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				c.logger.Debug("signaling connection ended", "error", err)
			}
			return
		}
		switch env.Type {
		case TypeData:
			c.mu.Lock()
			known := c.peers[env.From]
			c.mu.Unlock()
			if known {
				c.inbox.Push(transport.Message{From: env.From, Data: env.Data})
			}
		case TypePeerLeft:
			c.mu.Lock()
			if c.peers[env.PeerID] {
				delete(c.peers, env.PeerID)
				c.left = append(c.left, env.PeerID)
			}
			c.mu.Unlock()
			c.logger.Info("peer left the room", "peer", env.PeerID)
			c.forward(env)
		default:
			c.forward(env)
		}
	}
}

// forward hands a control message to Connect without blocking the reader.
func (c *RelayChannel) forward(env Envelope) {
	select {
	case c.ctrl <- env:
	default:
		c.logger.Debug("dropping signaling message", "type", env.Type)
	}
}

func (c *RelayChannel) write(env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.WriteJSON(env)
}

func (c *RelayChannel) setPeers(self transport.PeerID, peers []PeerInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.self = self
	for _, p := range peers {
		if p.ID != self {
			c.peers[p.ID] = true
		}
	}
}

// Send relays data to a room member.
func (c *RelayChannel) Send(to transport.PeerID, data []byte) error {
	c.mu.Lock()
	closed, known := c.closed, c.peers[to]
	c.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	if !known {
		return fmt.Errorf("%w: %s", transport.ErrUnknownPeer, to)
	}
	if err := c.write(Envelope{Type: TypeData, To: to, Data: data}); err != nil {
		return perrors.Wrap(perrors.CodeTransport, fmt.Sprintf("relay to %s", to), err)
	}
	return nil
}

// Receive drains relayed datagrams.
func (c *RelayChannel) Receive() []transport.Message { return c.inbox.Drain() }

// Peers lists room members still connected, sorted.
func (c *RelayChannel) Peers() []transport.PeerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]transport.PeerID, 0, len(c.peers))
	for id := range c.peers {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Departed lists members the server reported gone, in order.
func (c *RelayChannel) Departed() []transport.PeerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transport.PeerID(nil), c.left...)
}

// Close leaves the room and waits for the reader to stop.
func (c *RelayChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.conn.Close()
	<-c.done
	return err
}
