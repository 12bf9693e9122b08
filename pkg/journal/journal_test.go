package journal

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"

	"pongnet/internal/platform/config"
	perrors "pongnet/internal/platform/errors"
	"pongnet/pkg/game"
	"pongnet/pkg/input"
	"pongnet/pkg/rollback"
	"pongnet/pkg/session"
)

var _ session.Recorder = (*Recorder)(nil)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func frameInputs(f int) rollback.FrameInputs {
	up := input.Bits(0).With(input.Up)
	down := input.Bits(0).With(input.Down)
	fi := rollback.FrameInputs{Frame: rollback.Frame(f), Inputs: make([]rollback.PlayerInput, 2)}
	if (f/9)%2 == 0 {
		fi.Inputs[0] = rollback.PlayerInput{Bits: up, Status: rollback.Confirmed}
	} else {
		fi.Inputs[0] = rollback.PlayerInput{Status: rollback.Confirmed}
	}
	if (f/13)%3 == 1 {
		fi.Inputs[1] = rollback.PlayerInput{Bits: down, Status: rollback.Confirmed}
	} else {
		fi.Inputs[1] = rollback.PlayerInput{Status: rollback.Confirmed}
	}
	return fi
}

// recordMatch plays n frames on a live simulation while journaling them
// and closes the match with the live checksum.
func recordMatch(t *testing.T, s *Store, id string, seed uint32, n int) uint64 {
	t.Helper()
	ctx := context.Background()
	rec, err := s.Begin(ctx, Match{ID: id, Seed: seed, Players: 2, InputDelay: 2, StartedAt: time.Unix(100, 0)})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	live := game.NewPong(seed)
	for f := 0; f < n; f++ {
		fi := frameInputs(f)
		live.Step(fi)
		if err := rec.RecordFrame(fi); err != nil {
			t.Fatalf("record frame %d: %v", f, err)
		}
	}
	data, _ := live.Snapshot()
	sum := xxhash.Sum64(data)
	if err := rec.End(ctx, "finished", rollback.Frame(n-1), sum); err != nil {
		t.Fatalf("end: %v", err)
	}
	return sum
}

func TestRecordAndVerify(t *testing.T) {
	s := openTestStore(t)
	sum := recordMatch(t, s, "m1", 42, 400)

	res, err := s.Verify(context.Background(), "m1", game.NewPong(42))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.Verified || res.Frames != 400 || res.LastFrame != 399 || res.Checksum != sum {
		t.Fatalf("unexpected replay result %+v", res)
	}

	_, err = s.Verify(context.Background(), "m1", game.NewPong(43))
	if !errors.Is(err, perrors.ErrDesync) {
		t.Fatalf("expected desync for a different seed, got %v", err)
	}
}

func TestFramesRoundTrip(t *testing.T) {
	s := openTestStore(t)
	recordMatch(t, s, "m1", 1, 50)
	frames, err := s.Frames(context.Background(), "m1")
	if err != nil {
		t.Fatalf("frames: %v", err)
	}
	if len(frames) != 50 {
		t.Fatalf("expected 50 frames, got %d", len(frames))
	}
	for f, fi := range frames {
		if fi.String() != frameInputs(f).String() {
			t.Fatalf("frame %d: got %s want %s", f, fi, frameInputs(f))
		}
	}
}

func TestRecordRejectsGapsAndPredictions(t *testing.T) {
	s := openTestStore(t)
	rec, err := s.Begin(context.Background(), Match{ID: "m", Players: 2})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := rec.RecordFrame(frameInputs(1)); err == nil {
		t.Fatalf("expected out of order frame to fail")
	}
	predicted := frameInputs(0)
	predicted.Inputs[1].Status = rollback.Predicted
	if err := rec.RecordFrame(predicted); err == nil {
		t.Fatalf("expected predicted frame to fail")
	}
	if err := rec.RecordFrame(frameInputs(0)); err != nil {
		t.Fatalf("record: %v", err)
	}
}

func TestMatchesAndDelete(t *testing.T) {
	s := openTestStore(t)
	recordMatch(t, s, "old", 1, 5)
	ctx := context.Background()
	rec, err := s.Begin(ctx, Match{ID: "new", Players: 2, StartedAt: time.Unix(200, 0)})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	_ = rec

	list, err := s.Matches(ctx)
	if err != nil {
		t.Fatalf("matches: %v", err)
	}
	if len(list) != 2 || list[0].ID != "new" || list[1].ID != "old" {
		t.Fatalf("unexpected listing %+v", list)
	}
	if list[0].LastFrame != rollback.NullFrame || list[1].LastFrame != 4 || list[1].Result != "finished" {
		t.Fatalf("unexpected match state %+v", list)
	}

	if err := s.Delete(ctx, "old"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Match(ctx, "old"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := s.Delete(ctx, "old"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("  "); !errors.Is(err, perrors.ErrConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestArchiveUpload(t *testing.T) {
	var (
		mu     sync.Mutex
		method string
		path   string
		body   []byte
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		method, path, body = r.Method, r.URL.Path, data
		mu.Unlock()
		w.Header().Set("ETag", `"abc"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	s := openTestStore(t)
	recordMatch(t, s, "m1", 9, 30)
	a, err := NewArchiver(config.Archive{
		Bucket:          "matches",
		Prefix:          "replays/",
		Region:          "us-east-1",
		Endpoint:        ts.URL,
		AccessKeyID:     "test",
		SecretAccessKey: "secret",
	})
	if err != nil {
		t.Fatalf("archiver: %v", err)
	}
	key, err := a.Upload(context.Background(), s, "m1")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if key != "replays/m1.json" {
		t.Fatalf("unexpected key %q", key)
	}

	mu.Lock()
	defer mu.Unlock()
	if method != http.MethodPut || path != "/matches/replays/m1.json" {
		t.Fatalf("unexpected request %s %s", method, path)
	}
	var exp Export
	if err := json.Unmarshal(body, &exp); err != nil {
		t.Fatalf("decode uploaded body: %v", err)
	}
	if exp.Match.ID != "m1" || exp.Match.Seed != 9 || len(exp.Frames) != 30 {
		t.Fatalf("unexpected export %+v", exp.Match)
	}
}

func TestArchiverNeedsBucketAndCredentials(t *testing.T) {
	if _, err := NewArchiver(config.Archive{}); !errors.Is(err, perrors.ErrConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
	if _, err := NewArchiver(config.Archive{Bucket: "b"}); !errors.Is(err, perrors.ErrConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestRecorderStopsAfterWriteFailure(t *testing.T) {
	s := openTestStore(t)
	rec, err := s.Begin(context.Background(), Match{ID: "m", Players: 2})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := rec.RecordFrame(frameInputs(0)); err != nil {
		t.Fatalf("record: %v", err)
	}
	_ = s.db.Close()
	if err := rec.RecordFrame(frameInputs(1)); err == nil {
		t.Fatalf("expected write to a closed journal to fail")
	}
	err = rec.RecordFrame(frameInputs(2))
	if !errors.Is(err, ErrRecorderFailed) {
		t.Fatalf("expected recorder failure, got %v", err)
	}
	if !strings.Contains(err.Error(), "frame 1") {
		t.Fatalf("failure should name the first lost frame: %v", err)
	}
}
