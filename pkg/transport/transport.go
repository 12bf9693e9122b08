// Package transport carries opaque datagrams between peers. Implementations
// receive on their own goroutine and only append to an inbox that the tick
// loop drains; nothing here blocks the simulation.
package transport

import (
	"errors"
	"sync"
)

// PeerID is the opaque identity the rendezvous server assigns to a peer.
type PeerID string

// Message is one datagram received from a peer.
type Message struct {
	From PeerID
	Data []byte
}

// Channel is an unordered, best-effort, message-oriented link to a fixed
// set of peers.
type Channel interface {
	// Send queues data for one peer. Delivery is not guaranteed.
	Send(to PeerID, data []byte) error
	// Receive drains every message that arrived since the last call.
	Receive() []Message
	// Peers lists the peers reachable through the channel.
	Peers() []PeerID
	Close() error
}

var (
	ErrClosed      = errors.New("transport: channel closed")
	ErrUnknownPeer = errors.New("transport: unknown peer")
)

// DefaultInboxLimit bounds queued messages per channel. At 60 frames per
// second a peer sends a few packets per frame, so this covers seconds of
// stalled ticking.
const DefaultInboxLimit = 4096

// Inbox is the mutex-guarded queue between a receive goroutine and the tick
// loop. When full the oldest messages are dropped.
type Inbox struct {
	mu      sync.Mutex
	msgs    []Message
	limit   int
	dropped uint64
}

// NewInbox returns an inbox holding at most limit messages; limit <= 0
// means DefaultInboxLimit.
func NewInbox(limit int) *Inbox {
	if limit <= 0 {
		limit = DefaultInboxLimit
	}
	return &Inbox{limit: limit}
}

// Push appends m, evicting the oldest message when full.
func (q *Inbox) Push(m Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.msgs) >= q.limit {
		q.msgs = q.msgs[1:]
		q.dropped++
	}
	q.msgs = append(q.msgs, m)
}

// Drain removes and returns every queued message.
func (q *Inbox) Drain() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.msgs
	q.msgs = nil
	return out
}

// Dropped counts messages evicted because the inbox was full.
func (q *Inbox) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
