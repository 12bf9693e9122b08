package transport

import (
	"math/rand"
	"sort"
	"sync"
)

// MemoryNetwork connects in-process channels, for tests and local matches.
// It can drop a fraction of datagrams and hold traffic to simulate latency.
type MemoryNetwork struct {
	mu        sync.Mutex
	endpoints map[PeerID]*MemoryChannel
	rng       *rand.Rand
	loss      float64
	holding   bool
	held      []heldMessage
	cut       map[link]bool
}

type link struct{ from, to PeerID }

type heldMessage struct {
	to  PeerID
	msg Message
}

// NewMemoryNetwork returns a lossless network. seed drives loss decisions.
func NewMemoryNetwork(seed int64) *MemoryNetwork {
	return &MemoryNetwork{
		endpoints: make(map[PeerID]*MemoryChannel),
		rng:       rand.New(rand.NewSource(seed)),
		cut:       make(map[link]bool),
	}
}

// Join attaches a channel for id, replacing any previous one.
func (n *MemoryNetwork) Join(id PeerID) *MemoryChannel {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := &MemoryChannel{net: n, id: id, inbox: NewInbox(0)}
	n.endpoints[id] = c
	return c
}

// SetLoss sets the fraction of datagrams silently dropped.
func (n *MemoryNetwork) SetLoss(p float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.loss = p
}

// Cut drops every datagram from one peer to another until Mend. The
// reverse direction is unaffected.
func (n *MemoryNetwork) Cut(from, to PeerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cut[link{from, to}] = true
}

// Mend restores a link removed by Cut.
func (n *MemoryNetwork) Mend(from, to PeerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.cut, link{from, to})
}

// Hold queues every datagram until Release.
func (n *MemoryNetwork) Hold() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.holding = true
}

// Release delivers held datagrams in send order and stops holding.
func (n *MemoryNetwork) Release() {
	n.mu.Lock()
	held := n.held
	n.held = nil
	n.holding = false
	n.mu.Unlock()
	for _, h := range held {
		n.deliver(h.to, h.msg)
	}
}

func (n *MemoryNetwork) deliver(to PeerID, m Message) {
	n.mu.Lock()
	dst, ok := n.endpoints[to]
	n.mu.Unlock()
	if !ok {
		return
	}
	dst.mu.Lock()
	closed := dst.closed
	dst.mu.Unlock()
	if !closed {
		dst.inbox.Push(m)
	}
}

// MemoryChannel is one peer's view of a MemoryNetwork.
type MemoryChannel struct {
	net   *MemoryNetwork
	id    PeerID
	inbox *Inbox

	mu     sync.Mutex
	closed bool
}

// ID is the channel's own peer id.
func (c *MemoryChannel) ID() PeerID { return c.id }

func (c *MemoryChannel) Send(to PeerID, data []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	n := c.net
	n.mu.Lock()
	if _, ok := n.endpoints[to]; !ok {
		n.mu.Unlock()
		return ErrUnknownPeer
	}
	if n.cut[link{c.id, to}] || (n.loss > 0 && n.rng.Float64() < n.loss) {
		n.mu.Unlock()
		return nil
	}
	m := Message{From: c.id, Data: append([]byte(nil), data...)}
	if n.holding {
		n.held = append(n.held, heldMessage{to: to, msg: m})
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()
	n.deliver(to, m)
	return nil
}

func (c *MemoryChannel) Receive() []Message { return c.inbox.Drain() }

// Peers lists every other endpoint on the network.
func (c *MemoryChannel) Peers() []PeerID {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	var out []PeerID
	for id := range c.net.endpoints {
		if id != c.id {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close detaches the channel. Later sends to it are dropped like datagrams
// to a dead host.
func (c *MemoryChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}
