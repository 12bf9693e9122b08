// Package session runs a peer-to-peer rollback match: it exchanges inputs
// with remote peers over a transport.Channel, feeds them to a
// rollback.Synchronizer and reports lifecycle events to the host.
package session

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	perrors "pongnet/internal/platform/errors"
	"pongnet/pkg/input"
	"pongnet/pkg/metrics"
	"pongnet/pkg/proto"
	"pongnet/pkg/rollback"
	"pongnet/pkg/transport"
)

var tracer = otel.Tracer("pongnet/session")

// ErrClosed is returned by Tick after Close.
var ErrClosed = errors.New("session: closed")

// State is the session lifecycle.
type State int

const (
	StateSynchronizing State = iota
	StateRunning
	StateDisconnected
	StateDesynced
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateSynchronizing:
		return "synchronizing"
	case StateRunning:
		return "running"
	case StateDisconnected:
		return "disconnected"
	case StateDesynced:
		return "desynced"
	case StateClosed:
		return "closed"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// EventKind identifies a lifecycle event.
type EventKind int

const (
	EventSynchronizing EventKind = iota
	EventMatchmakingComplete
	EventRollback
	EventStalled
	EventDesync
	EventPeerDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventSynchronizing:
		return "synchronizing"
	case EventMatchmakingComplete:
		return "matchmaking_complete"
	case EventRollback:
		return "rollback"
	case EventStalled:
		return "stalled"
	case EventDesync:
		return "desync"
	case EventPeerDisconnected:
		return "peer_disconnected"
	}
	return "event(" + strconv.Itoa(int(k)) + ")"
}

// Event is reported to the host through Events. Peer and Handle are set for
// disconnects, Frames for rollbacks, Err for desyncs.
type Event struct {
	Kind   EventKind
	Frame  rollback.Frame
	Peer   transport.PeerID
	Handle rollback.PlayerHandle
	Frames int
	Err    error
}

type peerSum struct {
	peer transport.PeerID
	sum  uint64
}

// Session is one match. Tick drives it; it is not safe for concurrent use.
type Session struct {
	id      string
	ch      transport.Channel
	sync    *rollback.Synchronizer
	clock   func() time.Time
	logger  *slog.Logger
	metrics *metrics.Netplay
	journal Recorder

	local             rollback.PlayerHandle
	disconnectTimeout time.Duration
	checksumInterval  int
	frameRate         int

	endpoints []*endpoint
	byPeer    map[transport.PeerID]*endpoint
	// remoteSums holds checksums peers reported for frames not yet
	// confirmed here.
	remoteSums map[rollback.Frame][]peerSum

	lastLocal rollback.Frame
	state     State
	stalled   bool
	err       error
	events    []Event
}

// ID identifies the session in logs.
func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return s.state }

// Err returns the error that ended the session, if any.
func (s *Session) Err() error { return s.err }

func (s *Session) LocalHandle() rollback.PlayerHandle { return s.local }

func (s *Session) CurrentFrame() rollback.Frame { return s.sync.CurrentFrame() }

func (s *Session) ConfirmedFrame() rollback.Frame { return s.sync.ConfirmedFrame() }

// CurrentFrameInputs returns the inputs the last stepped frame used.
func (s *Session) CurrentFrameInputs() rollback.FrameInputs { return s.sync.CurrentFrameInputs() }

// ConfirmedInputs returns the final inputs of a retained confirmed frame.
// It stays usable after the session ends.
func (s *Session) ConfirmedInputs(f rollback.Frame) (rollback.FrameInputs, bool) {
	return s.sync.ConfirmedInputs(f)
}

// Checksum returns the state checksum of a confirmed frame.
func (s *Session) Checksum(f rollback.Frame) (uint64, bool) { return s.sync.Checksum(f) }

// Events returns and clears the events raised since the last call.
func (s *Session) Events() []Event {
	out := s.events
	s.events = nil
	return out
}

// RTT returns the filtered round trip time to the slowest peer.
func (s *Session) RTT() time.Duration {
	var worst time.Duration
	for _, ep := range s.endpoints {
		if d := ep.rtt(); d > worst {
			worst = d
		}
	}
	return worst
}

// FramesAhead estimates how many frames this peer runs ahead of the
// slowest remote peer. Hosts slow their tick while it is above one.
func (s *Session) FramesAhead() float64 {
	delay := rollback.Frame(s.sync.InputDelay())
	ahead := 0.0
	for _, ep := range s.endpoints {
		if ep.remoteLast == rollback.NullFrame {
			continue
		}
		// The peer sent input for remoteLast while stepping remoteLast-delay,
		// and that packet has been in flight for half a round trip.
		remote := float64(ep.remoteLast-delay+1) + ep.rtt().Seconds()*float64(s.frameRate)/2
		if d := float64(s.sync.CurrentFrame()) - remote; d > ahead {
			ahead = d
		}
	}
	return math.Round(ahead*10) / 10
}

func (s *Session) emit(e Event) {
	s.events = append(s.events, e)
}

// Tick runs one host frame: it drains the channel, adds the sampled local
// input, sends input to every peer and advances the synchronizer. A stalled
// or still synchronizing session returns a Report with Stalled set. Once a
// desync or disconnect error is returned every later call returns it too.
func (s *Session) Tick(ctx context.Context, c *input.Collector) (rollback.Report, error) {
	if s.err != nil {
		return s.idle(), s.err
	}
	now := s.clock()
	if err := s.poll(now); err != nil {
		return s.idle(), s.fail(err)
	}
	if err := s.checkTimeouts(now); err != nil {
		return s.idle(), s.fail(err)
	}

	if s.state == StateSynchronizing {
		if err := s.flush(now); err != nil {
			return s.idle(), s.fail(err)
		}
		if !s.synchronized() {
			return s.idle(), nil
		}
		s.state = StateRunning
		s.emit(Event{Kind: EventMatchmakingComplete, Frame: s.sync.CurrentFrame()})
		s.logger.Info("peers synchronized", "peers", len(s.endpoints))
	}

	// Local input is added whenever its target frame has none yet, stalled
	// or not, so the frame is ready when the stall lifts.
	target := s.sync.CurrentFrame() + rollback.Frame(s.sync.InputDelay())
	if target > s.lastLocal {
		var bits input.Bits
		if c != nil {
			bits = c.Sample()
		}
		f, err := s.sync.AddLocalInput(s.local, bits)
		if err != nil {
			return s.idle(), s.fail(err)
		}
		s.lastLocal = f
	}
	for _, ep := range s.endpoints {
		if err := s.sendInputs(ep); err != nil {
			return s.idle(), s.fail(err)
		}
	}

	start := s.clock()
	rep, err := s.sync.AdvanceFrame()
	if err != nil {
		return rep, s.fail(err)
	}
	if rep.RolledBack > 0 {
		s.traceRollback(ctx, start, rep)
		s.emit(Event{Kind: EventRollback, Frame: rep.Frame - rollback.Frame(rep.RolledBack), Frames: rep.RolledBack})
	}
	if rep.Stalled && !s.stalled {
		s.emit(Event{Kind: EventStalled, Frame: rep.Frame})
		s.logger.Debug("stalled at prediction window", "frame", rep.Frame, "confirmed", rep.Watermark)
	}
	s.stalled = rep.Stalled

	for _, fi := range rep.NewlyConfirmed {
		if err := s.confirm(fi); err != nil {
			return rep, s.fail(err)
		}
	}
	if err := s.flush(now); err != nil {
		return rep, s.fail(err)
	}
	s.metrics.FramesAhead(s.FramesAhead())
	return rep, nil
}

func (s *Session) idle() rollback.Report {
	return rollback.Report{
		Frame:     s.sync.CurrentFrame(),
		Stalled:   true,
		Watermark: s.sync.ConfirmedFrame(),
	}
}

func (s *Session) synchronized() bool {
	for _, ep := range s.endpoints {
		if !ep.synced {
			return false
		}
	}
	return true
}

func (s *Session) traceRollback(ctx context.Context, start time.Time, rep rollback.Report) {
	_, span := tracer.Start(ctx, "session.rollback",
		trace.WithTimestamp(start),
		trace.WithAttributes(
			attribute.Int("pongnet.frame", int(rep.Frame)),
			attribute.Int("pongnet.resimulated", rep.RolledBack),
		))
	span.End()
}

// fail records a terminal error. Errors outside the desync and transport
// classes are returned without ending the session.
func (s *Session) fail(err error) error {
	switch perrors.CodeOf(err) {
	case perrors.CodeDesync:
		s.state = StateDesynced
		s.emit(Event{Kind: EventDesync, Frame: s.sync.CurrentFrame(), Err: err})
		s.metrics.Desync(desyncReason(err))
		s.logger.Error("session desynchronized", "error", err,
			"frame", s.sync.CurrentFrame(), "confirmed", s.sync.ConfirmedFrame())
	case perrors.CodeTransport:
		s.state = StateDisconnected
	default:
		return err
	}
	s.err = err
	return err
}

func desyncReason(err error) string {
	var e *perrors.Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "unknown"
}

func (s *Session) poll(now time.Time) error {
	for _, msg := range s.ch.Receive() {
		ep := s.byPeer[msg.From]
		if ep == nil {
			s.logger.Debug("datagram from unknown peer", "from", msg.From)
			continue
		}
		pkt, err := proto.Decode(msg.Data)
		if err != nil {
			s.metrics.DecodeError()
			s.logger.Debug("undecodable datagram", "from", msg.From, "error", err)
			continue
		}
		ep.lastRecv = now
		ep.rx.MarkReceived(pkt.Header.PacketSeq)
		ep.tx.ProcessAck(pkt.Header.Ack, pkt.Header.AckBits)
		s.metrics.PacketReceived(pkt.Type.String())

		switch pkt.Type {
		case proto.MsgInput:
			if err := s.onInput(ep, pkt.Input); err != nil {
				return err
			}
		case proto.MsgReliable:
			if !ep.rx.Accept(pkt.Seq) {
				continue
			}
			if err := s.onControl(ep, pkt.Control); err != nil {
				return err
			}
		case proto.MsgPing:
			if err := s.send(ep, &proto.Packet{Type: proto.MsgPong, TS: pkt.TS}); err != nil {
				return err
			}
		case proto.MsgPong:
			sample := now.Sub(time.Unix(0, pkt.TS))
			ep.observeRTT(sample)
			s.metrics.RTT(sample)
		}
	}
	return nil
}

// onInput queues the new frames of a redundant input packet. Frames already
// received must repeat what was received; a peer changing one is a desync.
func (s *Session) onInput(ep *endpoint, in proto.Input) error {
	if f := rollback.Frame(in.AckFrame); f > ep.ackFrame {
		ep.ackFrame = f
	}
	if len(in.Bits) == 0 {
		return nil
	}
	start := rollback.Frame(in.StartFrame)
	have := s.sync.LastReceived(ep.handle)
	for i, bits := range in.Bits {
		f := start + rollback.Frame(i)
		if f <= have {
			if err := s.sync.CheckReceived(ep.handle, f, bits); err != nil {
				return err
			}
			continue
		}
		if err := s.sync.AddRemoteInput(ep.handle, f, bits); err != nil {
			s.logger.Warn("rejected remote input", "peer", ep.peer, "frame", f, "error", err)
			return nil
		}
	}
	if last := start + rollback.Frame(len(in.Bits)-1); last > ep.remoteLast {
		ep.remoteLast = last
	}
	return nil
}

func (s *Session) onControl(ep *endpoint, c proto.Control) error {
	switch c.Kind {
	case proto.CtlHello:
		s.queueControl(ep, proto.Control{Kind: proto.CtlHelloAck, Nonce: c.Nonce})
	case proto.CtlHelloAck:
		if c.Nonce != ep.nonce {
			s.logger.Debug("hello ack with stale nonce", "peer", ep.peer)
			return nil
		}
		if !ep.synced {
			ep.synced = true
			s.logger.Info("peer synchronized", "peer", ep.peer, "handle", ep.handle)
		}
	case proto.CtlGoodbye:
		return s.disconnect(ep, "goodbye", nil)
	case proto.CtlChecksum:
		return s.compareChecksum(ep, rollback.Frame(c.Frame), c.Sum)
	}
	return nil
}

func (s *Session) checkTimeouts(now time.Time) error {
	if s.disconnectTimeout <= 0 {
		return nil
	}
	for _, ep := range s.endpoints {
		if now.Sub(ep.lastRecv) > s.disconnectTimeout {
			return s.disconnect(ep, "timeout", nil)
		}
	}
	return nil
}

func (s *Session) disconnect(ep *endpoint, reason string, cause error) error {
	s.emit(Event{Kind: EventPeerDisconnected, Frame: s.sync.CurrentFrame(), Peer: ep.peer, Handle: ep.handle})
	s.metrics.PeerDisconnected()
	s.logger.Warn("peer disconnected", "peer", ep.peer, "handle", ep.handle, "reason", reason,
		"confirmed", s.sync.ConfirmedFrame())
	err := perrors.WithMetadata(perrors.CodeTransport, "peer disconnected: "+reason, map[string]string{
		"peer":   string(ep.peer),
		"handle": strconv.Itoa(int(ep.handle)),
	})
	err.Cause = cause
	return err
}

// confirm journals a newly final frame and handles checksum exchange for it.
func (s *Session) confirm(fi rollback.FrameInputs) error {
	if s.journal != nil {
		if err := s.journal.RecordFrame(fi); err != nil {
			// Later frames cannot follow a gap; stop recording for this match.
			s.logger.Error("journal write failed, recording stopped", "frame", fi.Frame, "error", err)
			s.journal = nil
		}
	}
	if s.checksumInterval <= 0 || int(fi.Frame)%s.checksumInterval != 0 {
		return nil
	}
	sum, ok := s.sync.Checksum(fi.Frame)
	if !ok {
		delete(s.remoteSums, fi.Frame)
		return nil
	}
	for _, ep := range s.endpoints {
		s.queueControl(ep, proto.Control{Kind: proto.CtlChecksum, Frame: uint32(fi.Frame), Sum: sum})
	}
	reported := s.remoteSums[fi.Frame]
	delete(s.remoteSums, fi.Frame)
	for _, r := range reported {
		if r.sum != sum {
			return checksumMismatch(fi.Frame, sum, r)
		}
	}
	return nil
}

func (s *Session) compareChecksum(ep *endpoint, f rollback.Frame, sum uint64) error {
	if f > s.sync.ConfirmedFrame() {
		s.remoteSums[f] = append(s.remoteSums[f], peerSum{peer: ep.peer, sum: sum})
		return nil
	}
	local, ok := s.sync.Checksum(f)
	if !ok {
		s.logger.Debug("checksum for a frame no longer retained", "peer", ep.peer, "frame", f)
		return nil
	}
	if local != sum {
		return checksumMismatch(f, local, peerSum{peer: ep.peer, sum: sum})
	}
	return nil
}

func checksumMismatch(f rollback.Frame, local uint64, r peerSum) error {
	return perrors.WithMetadata(perrors.CodeDesync, "checksum mismatch", map[string]string{
		"frame":  strconv.Itoa(int(f)),
		"local":  strconv.FormatUint(local, 16),
		"remote": strconv.FormatUint(r.sum, 16),
		"peer":   string(r.peer),
	})
}

func (s *Session) queueHello(ep *endpoint) {
	s.queueControl(ep, proto.Control{Kind: proto.CtlHello, Nonce: ep.nonce})
}

func (s *Session) queueControl(ep *endpoint, c proto.Control) {
	ep.tx.Add(proto.MarshalControl(c))
}

func (s *Session) sendInputs(ep *endpoint) error {
	from := ep.ackFrame + 1
	to := s.lastLocal
	if int(to-from)+1 > proto.MaxInputs {
		to = from + proto.MaxInputs - 1
	}
	start, bits := s.sync.LocalInputs(s.local, from, to)
	if start > from {
		return perrors.WithMetadata(perrors.CodeDesync, "peer needs inputs no longer retained", map[string]string{
			"peer":     string(ep.peer),
			"needed":   strconv.Itoa(int(from)),
			"retained": strconv.Itoa(int(start)),
		})
	}
	return s.send(ep, &proto.Packet{
		Type: proto.MsgInput,
		Input: proto.Input{
			StartFrame: uint32(start),
			AckFrame:   int32(s.sync.LastReceived(ep.handle)),
			Bits:       bits,
		},
	})
}

// flush sends reliable payloads that are due and pings peers.
func (s *Session) flush(now time.Time) error {
	for _, ep := range s.endpoints {
		for _, p := range ep.tx.Due(resendInterval) {
			hdr := ep.header()
			if err := s.transmit(ep, proto.MsgReliable, proto.EncodeReliable(hdr, p.Seq, p.Payload)); err != nil {
				return err
			}
			ep.tx.MarkSent(p.Seq, hdr.PacketSeq)
		}
		if now.Sub(ep.lastPing) >= pingInterval {
			if err := s.send(ep, &proto.Packet{Type: proto.MsgPing, TS: now.UnixNano()}); err != nil {
				return err
			}
			ep.lastPing = now
		}
	}
	return nil
}

func (s *Session) send(ep *endpoint, p *proto.Packet) error {
	p.Header = ep.header()
	data, err := proto.Encode(p)
	if err != nil {
		return err
	}
	return s.transmit(ep, p.Type, data)
}

func (s *Session) transmit(ep *endpoint, kind proto.MsgType, data []byte) error {
	if err := s.ch.Send(ep.peer, data); err != nil {
		return s.disconnect(ep, "send failed", err)
	}
	s.metrics.PacketSent(kind.String())
	return nil
}

// Close says goodbye to every peer, closes the channel and releases the
// snapshot store. Confirmed inputs and checksums stay readable afterwards.
func (s *Session) Close() error {
	if s.state == StateClosed {
		return nil
	}
	if s.err == nil {
		for _, ep := range s.endpoints {
			payload := proto.MarshalControl(proto.Control{Kind: proto.CtlGoodbye})
			seq := ep.tx.Add(payload)
			_ = s.ch.Send(ep.peer, proto.EncodeReliable(ep.header(), seq, payload))
		}
	}
	err := s.ch.Close()
	s.sync.Release()
	s.logger.Info("session closed", "state", s.state, "frame", s.sync.CurrentFrame(),
		"confirmed", s.sync.ConfirmedFrame())
	s.state = StateClosed
	if s.err == nil {
		s.err = ErrClosed
	}
	return err
}
