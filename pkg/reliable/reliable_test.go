package reliable

import (
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func TestAddSendAndAck(t *testing.T) {
	s := NewSender(nil)
	r := NewReceiver()

	seq := s.Add([]byte{1, 2, 3})
	if seq != 1 {
		t.Fatal("expected seq 1")
	}
	pkt := s.NextPacketSeq()
	s.MarkSent(seq, pkt)
	r.MarkReceived(pkt)
	ack, bits := r.AckAndBits()
	cleared := s.ProcessAck(ack, bits)
	if len(cleared) != 1 || cleared[0] != 1 {
		t.Fatalf("pending not cleared: %v", cleared)
	}
	if s.Len() != 0 {
		t.Fatalf("expected nothing pending, got %d", s.Len())
	}
}

func TestAckBits(t *testing.T) {
	r := NewReceiver()
	r.MarkReceived(5)
	r.MarkReceived(4)
	r.MarkReceived(2)
	ack, bits := r.AckAndBits()
	if ack != 5 {
		t.Fatal("ack should be 5")
	}
	if bits&(1<<0) == 0 {
		t.Fatal("bit0 for seq4 expected")
	}
	if bits&(1<<1) != 0 {
		t.Fatal("bit1 for seq3 unexpected")
	}
	if bits&(1<<2) == 0 {
		t.Fatal("bit2 for seq2 expected")
	}
}

func TestResendUntilAcked(t *testing.T) {
	clock := &fakeClock{t: time.Unix(100, 0)}
	s := NewSender(clock.now)
	a := s.Add([]byte("hello"))
	b := s.Add([]byte("checksum"))

	due := s.Due(100 * time.Millisecond)
	if len(due) != 2 || due[0].Seq != a || due[1].Seq != b {
		t.Fatalf("expected both payloads due in order, got %+v", due)
	}
	lost := s.NextPacketSeq()
	s.MarkSent(a, lost)
	s.MarkSent(b, s.NextPacketSeq())
	if due := s.Due(100 * time.Millisecond); len(due) != 0 {
		t.Fatalf("nothing should be due right after sending, got %d", len(due))
	}

	clock.t = clock.t.Add(150 * time.Millisecond)
	due = s.Due(100 * time.Millisecond)
	if len(due) != 2 {
		t.Fatalf("expected resend of both, got %d", len(due))
	}
	retry := s.NextPacketSeq()
	s.MarkSent(a, retry)

	// Only the retry of a arrives.
	cleared := s.ProcessAck(retry, 0)
	if len(cleared) != 1 || cleared[0] != a {
		t.Fatalf("expected a cleared, got %v", cleared)
	}
	if s.Len() != 1 {
		t.Fatalf("expected b still pending")
	}
	if cleared := s.ProcessAck(lost, 0); len(cleared) != 0 {
		t.Fatalf("late ack of an old packet should clear nothing new, got %v", cleared)
	}
}

func TestAcceptDropsDuplicates(t *testing.T) {
	r := NewReceiver()
	if !r.Accept(1) || r.Accept(1) {
		t.Fatal("expected first delivery only")
	}
	if !r.Accept(3) || !r.Accept(2) {
		t.Fatal("out of order payloads should be delivered")
	}
}

func TestSeqMoreRecentWraps(t *testing.T) {
	if !SeqMoreRecent(2, 0xfffffffe) {
		t.Fatal("2 should follow 0xfffffffe")
	}
	if SeqMoreRecent(5, 6) {
		t.Fatal("5 is older than 6")
	}
}
