package session

import (
	"math/rand"
	"time"

	"pongnet/pkg/proto"
	"pongnet/pkg/reliable"
	"pongnet/pkg/rollback"
	"pongnet/pkg/transport"
)

const (
	rttAlpha       = 0.1
	resendInterval = 100 * time.Millisecond
	pingInterval   = 250 * time.Millisecond
)

// endpoint is the protocol state kept for one remote peer.
type endpoint struct {
	peer   transport.PeerID
	handle rollback.PlayerHandle
	tx     *reliable.Sender
	rx     *reliable.Receiver

	nonce    uint64
	synced   bool
	lastRecv time.Time
	lastPing time.Time

	// ackFrame is the newest frame of our input the peer holds contiguously.
	ackFrame rollback.Frame
	// remoteLast is the newest frame of the peer's input we have seen.
	remoteLast rollback.Frame

	rttFiltered float64 // milliseconds
	rttSamples  int
}

func newNonce() uint64 {
	return rand.Uint64()
}

func (e *endpoint) header() proto.Header {
	ack, bits := e.rx.AckAndBits()
	return proto.Header{PacketSeq: e.tx.NextPacketSeq(), Ack: ack, AckBits: bits}
}

// observeRTT folds a ping round trip into the exponential moving average.
func (e *endpoint) observeRTT(sample time.Duration) {
	ms := float64(sample) / float64(time.Millisecond)
	if ms < 0 {
		return
	}
	if e.rttSamples == 0 {
		e.rttFiltered = ms
	} else {
		e.rttFiltered = (1-rttAlpha)*e.rttFiltered + rttAlpha*ms
	}
	e.rttSamples++
}

func (e *endpoint) rtt() time.Duration {
	return time.Duration(e.rttFiltered * float64(time.Millisecond))
}
