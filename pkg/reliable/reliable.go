// Package reliable delivers control messages over an unreliable channel.
// Senders number payloads and resend them until the receiver acknowledges
// them through the ack/ackBits pair every packet header carries; receivers
// drop duplicates.
package reliable

import (
	"sort"
	"sync"
	"time"
)

// AckWindow is the number of sequences covered by ackBits.
const AckWindow = 32

// SeqMoreRecent reports whether s1 is newer than s2, with wraparound.
func SeqMoreRecent(s1, s2 uint32) bool { return int32(s1-s2) > 0 }

// Receiver tracks which sequences arrived and which were handed to the
// application.
type Receiver struct {
	mu           sync.Mutex
	received     map[uint32]bool
	lastReceived uint32
	processed    map[uint32]bool
	newest       uint32
}

// processedHistory is how far behind the newest payload duplicates are
// still recognised. Older payloads are dropped unseen.
const processedHistory = 1024

func NewReceiver() *Receiver {
	return &Receiver{
		received:  make(map[uint32]bool),
		processed: make(map[uint32]bool),
	}
}

// MarkReceived records a packet sequence for acknowledgement.
func (r *Receiver) MarkReceived(seq uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received[seq] = true
	if r.lastReceived == 0 || SeqMoreRecent(seq, r.lastReceived) {
		r.lastReceived = seq
		r.forget()
	}
}

// Accept reports whether the payload with seq should be delivered, marking
// it processed. Duplicates return false.
func (r *Receiver) Accept(seq uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.processed[seq] || (r.newest != 0 && SeqMoreRecent(r.newest-processedHistory, seq)) {
		return false
	}
	r.processed[seq] = true
	if r.newest == 0 || SeqMoreRecent(seq, r.newest) {
		r.newest = seq
		if len(r.processed) > 2*processedHistory {
			for old := range r.processed {
				if SeqMoreRecent(r.newest-processedHistory, old) {
					delete(r.processed, old)
				}
			}
		}
	}
	return true
}

// forget drops state far behind the newest sequence. Caller holds mu.
func (r *Receiver) forget() {
	for seq := range r.received {
		if SeqMoreRecent(r.lastReceived-4*AckWindow, seq) {
			delete(r.received, seq)
		}
	}
}

// AckAndBits returns the newest received sequence and a bitmask of the
// AckWindow sequences before it: bit i set means ack-1-i arrived.
func (r *Receiver) AckAndBits() (uint32, uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastReceived == 0 {
		return 0, 0
	}
	ack := r.lastReceived
	var bits uint32
	for i := 0; i < AckWindow; i++ {
		if r.received[ack-1-uint32(i)] {
			bits |= 1 << uint(i)
		}
	}
	return ack, bits
}

// Pending is a payload awaiting acknowledgement.
type Pending struct {
	Seq       uint32
	Payload   []byte
	LastSent  time.Time
	SendCount int
	// packets lists the packet sequences this payload went out in.
	packets []uint32
}

// Sender numbers outgoing payloads and packets and keeps payloads until a
// packet carrying them is acknowledged.
type Sender struct {
	mu            sync.Mutex
	now           func() time.Time
	nextSeq       uint32
	nextPacketSeq uint32
	pending       map[uint32]*Pending
	// inPacket maps a packet sequence to the payload it carried.
	inPacket map[uint32]uint32
}

// NewSender returns a sender using clock for resend timing; nil means
// time.Now.
func NewSender(clock func() time.Time) *Sender {
	if clock == nil {
		clock = time.Now
	}
	return &Sender{
		now:           clock,
		nextSeq:       1,
		nextPacketSeq: 1,
		pending:       make(map[uint32]*Pending),
		inPacket:      make(map[uint32]uint32),
	}
}

// Add queues a copy of payload and returns its sequence.
func (s *Sender) Add(payload []byte) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.nextSeq
	s.nextSeq++
	s.pending[seq] = &Pending{Seq: seq, Payload: append([]byte(nil), payload...)}
	return seq
}

// NextPacketSeq allocates the sequence for the next outgoing packet.
func (s *Sender) NextPacketSeq() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.nextPacketSeq
	s.nextPacketSeq++
	return v
}

// MarkSent records that payload seq went out in packet packetSeq.
func (s *Sender) MarkSent(seq, packetSeq uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[seq]
	if !ok {
		return
	}
	p.LastSent = s.now()
	p.SendCount++
	p.packets = append(p.packets, packetSeq)
	s.inPacket[packetSeq] = seq
}

// Due returns payloads never sent or last sent at least resend ago, oldest
// first.
func (s *Sender) Due(resend time.Duration) []Pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var out []Pending
	for _, p := range s.pending {
		if p.SendCount == 0 || now.Sub(p.LastSent) >= resend {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return SeqMoreRecent(out[j].Seq, out[i].Seq) })
	return out
}

// Len is the number of unacknowledged payloads.
func (s *Sender) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// ProcessAck clears payloads carried by any packet the remote acknowledged
// and returns their sequences.
func (s *Sender) ProcessAck(ack, bits uint32) []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ack == 0 {
		return nil
	}
	var cleared []uint32
	drop := func(packetSeq uint32) {
		seq, ok := s.inPacket[packetSeq]
		if !ok {
			return
		}
		delete(s.inPacket, packetSeq)
		p, ok := s.pending[seq]
		if !ok {
			return
		}
		for _, ps := range p.packets {
			delete(s.inPacket, ps)
		}
		delete(s.pending, seq)
		cleared = append(cleared, seq)
	}
	drop(ack)
	for i := 0; i < AckWindow; i++ {
		if bits&(1<<uint(i)) != 0 {
			drop(ack - 1 - uint32(i))
		}
	}
	return cleared
}
