package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func gather(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	out := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				out[mf.GetName()] += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				out[mf.GetName()] += m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				out[mf.GetName()] += float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return out
}

func TestNetplayRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewNetplay(WithRegistry(reg))
	m.Rollback(3, 4)
	m.Rollback(9, 2)
	m.Misprediction(1, 3)
	m.Confirmed(42)
	m.RTT(30 * time.Millisecond)
	m.Desync("checksum")
	m.PacketSent("input")

	got := gather(t, reg)
	checks := map[string]float64{
		"pongnet_rollback_rollbacks_total":          2,
		"pongnet_rollback_resimulated_frames_total": 6,
		"pongnet_rollback_mispredictions_total":     1,
		"pongnet_rollback_confirmed_frame":          42,
		"pongnet_session_rtt_seconds":               1,
		"pongnet_session_desyncs_total":             1,
		"pongnet_transport_packets_sent_total":      1,
	}
	for name, want := range checks {
		if got[name] != want {
			t.Fatalf("%s = %v, want %v", name, got[name], want)
		}
	}
}

func TestNilReceiversAreNoops(t *testing.T) {
	var m *Netplay
	m.Rollback(1, 1)
	m.RTT(time.Second)
	var r *Rendezvous
	r.Join("ok")
	r.RoomOpened()
}

func TestRendezvousNamespace(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRendezvous(WithRegistry(reg), WithNamespace("test"))
	r.RoomOpened()
	r.PeerConnected()
	r.PeerConnected()
	r.PeerLeft()
	r.Join("room_full")
	got := gather(t, reg)
	if got["test_rendezvous_rooms"] != 1 || got["test_rendezvous_peers"] != 1 || got["test_rendezvous_joins_total"] != 1 {
		t.Fatalf("unexpected values %v", got)
	}
}
