package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"

	perrors "pongnet/internal/platform/errors"
)

const maxDatagram = 1500

// UDPChannel is a direct peer-to-peer channel over one UDP socket.
// Datagrams from addresses that are not registered peers are ignored.
type UDPChannel struct {
	conn   *net.UDPConn
	inbox  *Inbox
	logger *slog.Logger

	mu     sync.Mutex
	peers  map[PeerID]*net.UDPAddr
	closed bool
	done   chan struct{}
}

// ListenUDP binds addr and starts the receive loop.
func ListenUDP(addr string, logger *slog.Logger) (*UDPChannel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, perrors.Wrap(perrors.CodeTransport, "resolve udp address", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, perrors.Wrap(perrors.CodeTransport, "listen udp", err)
	}
	c := &UDPChannel{
		conn:   conn,
		inbox:  NewInbox(0),
		logger: logger,
		peers:  make(map[PeerID]*net.UDPAddr),
		done:   make(chan struct{}),
	}
	go c.listenLoop()
	return c, nil
}

// LocalAddr is the bound address.
func (c *UDPChannel) LocalAddr() *net.UDPAddr {
	return c.conn.LocalAddr().(*net.UDPAddr)
}

// AddPeer registers the address datagrams for id are sent to and accepted
// from.
func (c *UDPChannel) AddPeer(id PeerID, addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return perrors.Wrap(perrors.CodeTransport, fmt.Sprintf("resolve peer %s", id), err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peers[id] = udpAddr
	c.logger.Debug("udp peer registered", "peer", id, "addr", udpAddr.String())
	return nil
}

func (c *UDPChannel) findPeerByAddr(addr *net.UDPAddr) (PeerID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, p := range c.peers {
		if p.IP.Equal(addr.IP) && p.Port == addr.Port {
			return id, true
		}
	}
	return "", false
}

func (c *UDPChannel) listenLoop() {
	defer close(c.done)
	buf := make([]byte, maxDatagram)
	for {
		n, raddr, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			c.logger.Warn("udp receive failed", "error", err)
			continue
		}
		id, ok := c.findPeerByAddr(raddr)
		if !ok {
			c.logger.Debug("udp datagram from unknown address", "addr", raddr.String())
			continue
		}
		c.inbox.Push(Message{From: id, Data: append([]byte(nil), buf[:n]...)})
	}
}

// Send writes one datagram to the peer.
func (c *UDPChannel) Send(to PeerID, data []byte) error {
	c.mu.Lock()
	addr, ok := c.peers[to]
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, to)
	}
	if _, err := c.conn.WriteToUDP(data, addr); err != nil {
		return perrors.Wrap(perrors.CodeTransport, fmt.Sprintf("send to %s", to), err)
	}
	return nil
}

// Receive drains the inbox.
func (c *UDPChannel) Receive() []Message { return c.inbox.Drain() }

// Peers lists registered peers in sorted order.
func (c *UDPChannel) Peers() []PeerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PeerID, 0, len(c.peers))
	for id := range c.peers {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close stops the receive loop and releases the socket.
func (c *UDPChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	err := c.conn.Close()
	<-c.done
	return err
}
