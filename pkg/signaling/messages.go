// Package signaling introduces peers to each other. A rendezvous server
// groups websocket clients into rooms; once a room is full every member
// receives the same ordered peer list, and the client hands back a
// transport channel to the other members.
package signaling

import "pongnet/pkg/transport"

// MessageType names a signaling message. Messages are JSON text frames.
type MessageType string

const (
	TypeJoin     MessageType = "join"
	TypeWelcome  MessageType = "welcome"
	TypePeers    MessageType = "peers"
	TypePeerLeft MessageType = "peer_left"
	TypeData     MessageType = "data"
	TypeError    MessageType = "error"
)

// PeerInfo describes one room member.
type PeerInfo struct {
	ID      transport.PeerID `json:"id"`
	UDPAddr string           `json:"udp_addr,omitempty"`
}

// Envelope is the single JSON shape used in both directions. Which fields
// are set depends on Type.
type Envelope struct {
	Type MessageType `json:"type"`

	// join
	UDPAddr string `json:"udp_addr,omitempty"`
	// welcome, peer_left
	PeerID transport.PeerID `json:"peer_id,omitempty"`
	// peers, in join order
	Peers   []PeerInfo `json:"peers,omitempty"`
	MatchID string     `json:"match_id,omitempty"`
	Seed    uint32     `json:"seed,omitempty"`
	// data
	From transport.PeerID `json:"from,omitempty"`
	To   transport.PeerID `json:"to,omitempty"`
	Data []byte           `json:"data,omitempty"`
	// error
	Error string `json:"error,omitempty"`
}

// Error strings sent to rejected clients.
const (
	ErrTextRoomFull     = "room full"
	ErrTextServerFull   = "server full"
	ErrTextBadJoin      = "expected join"
	ErrTextSizeMismatch = "room size mismatch"
)
