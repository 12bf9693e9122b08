// Package journal persists the confirmed inputs of matches in SQLite so a
// match can be replayed, verified and archived after it ends.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	perrors "pongnet/internal/platform/errors"
	"pongnet/pkg/input"
	"pongnet/pkg/rollback"
)

const schema = `
CREATE TABLE IF NOT EXISTS matches (
	id           TEXT PRIMARY KEY,
	seed         INTEGER NOT NULL,
	players      INTEGER NOT NULL,
	local_handle INTEGER NOT NULL,
	input_delay  INTEGER NOT NULL,
	started_at   INTEGER NOT NULL,
	ended_at     INTEGER,
	result       TEXT,
	last_frame   INTEGER,
	checksum     INTEGER
);
CREATE TABLE IF NOT EXISTS frames (
	match_id TEXT NOT NULL REFERENCES matches(id) ON DELETE CASCADE,
	frame    INTEGER NOT NULL,
	inputs   BLOB NOT NULL,
	PRIMARY KEY (match_id, frame)
);
`

var (
	// ErrNotFound is returned for an unknown match id.
	ErrNotFound = errors.New("journal: match not found")
	// ErrRecorderFailed is returned by a recorder after a frame failed to
	// write.
	ErrRecorderFailed = errors.New("journal: recorder failed")
)

// Match describes one journaled match.
type Match struct {
	ID          string    `json:"id"`
	Seed        uint32    `json:"seed"`
	Players     int       `json:"players"`
	LocalHandle int       `json:"local_handle"`
	InputDelay  int       `json:"input_delay"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at,omitzero"`
	Result      string    `json:"result,omitempty"`
	// LastFrame and Checksum are the final confirmed frame and the state
	// checksum the live session computed for it, for replay verification.
	LastFrame rollback.Frame `json:"last_frame"`
	Checksum  uint64         `json:"checksum"`
}

// Store is a SQLite journal.
type Store struct {
	db *sql.DB
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

// Open opens or creates the journal at path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, perrors.New(perrors.CodeConfig, "journal path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Begin records the start of a match and returns a recorder for its frames.
func (s *Store) Begin(ctx context.Context, m Match) (*Recorder, error) {
	if m.ID == "" {
		return nil, fmt.Errorf("match id is required")
	}
	if m.Players <= 0 {
		return nil, fmt.Errorf("players must be greater than zero")
	}
	if m.StartedAt.IsZero() {
		m.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO matches (id, seed, players, local_handle, input_delay, started_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, int64(m.Seed), m.Players, m.LocalHandle, m.InputDelay, toMillis(m.StartedAt))
	if err != nil {
		return nil, fmt.Errorf("insert match %s: %w", m.ID, err)
	}
	stmt, err := s.db.PrepareContext(ctx, `INSERT INTO frames (match_id, frame, inputs) VALUES (?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("prepare frame insert: %w", err)
	}
	return &Recorder{store: s, match: m, insert: stmt, next: 0}, nil
}

// Match loads one match header.
func (s *Store) Match(ctx context.Context, id string) (Match, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, seed, players, local_handle, input_delay, started_at, ended_at, result, last_frame, checksum
		 FROM matches WHERE id = ?`, id)
	m, err := scanMatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Match{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return m, err
}

// Matches lists every match, newest first.
func (s *Store) Matches(ctx context.Context) ([]Match, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, seed, players, local_handle, input_delay, started_at, ended_at, result, last_frame, checksum
		 FROM matches ORDER BY started_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list matches: %w", err)
	}
	defer rows.Close()
	var out []Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMatch(row scanner) (Match, error) {
	var (
		m         Match
		seed      int64
		started   int64
		ended     sql.NullInt64
		result    sql.NullString
		lastFrame sql.NullInt64
		checksum  sql.NullInt64
	)
	if err := row.Scan(&m.ID, &seed, &m.Players, &m.LocalHandle, &m.InputDelay, &started,
		&ended, &result, &lastFrame, &checksum); err != nil {
		return Match{}, err
	}
	m.Seed = uint32(seed)
	m.StartedAt = fromMillis(started)
	if ended.Valid {
		m.EndedAt = fromMillis(ended.Int64)
	}
	m.Result = result.String
	m.LastFrame = rollback.NullFrame
	if lastFrame.Valid {
		m.LastFrame = rollback.Frame(lastFrame.Int64)
	}
	m.Checksum = uint64(checksum.Int64)
	return m, nil
}

// Frames loads the journaled inputs of a match in frame order.
func (s *Store) Frames(ctx context.Context, id string) ([]rollback.FrameInputs, error) {
	m, err := s.Match(ctx, id)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT frame, inputs FROM frames WHERE match_id = ? ORDER BY frame`, id)
	if err != nil {
		return nil, fmt.Errorf("load frames of %s: %w", id, err)
	}
	defer rows.Close()
	var out []rollback.FrameInputs
	for rows.Next() {
		var (
			f    int64
			blob []byte
		)
		if err := rows.Scan(&f, &blob); err != nil {
			return nil, err
		}
		if len(blob) != m.Players {
			return nil, fmt.Errorf("frame %d of %s has %d inputs, want %d", f, id, len(blob), m.Players)
		}
		fi := rollback.FrameInputs{Frame: rollback.Frame(f), Inputs: make([]rollback.PlayerInput, len(blob))}
		for h, b := range blob {
			fi.Inputs[h] = rollback.PlayerInput{Bits: input.Bits(b), Status: rollback.Confirmed}
		}
		out = append(out, fi)
	}
	return out, rows.Err()
}

// Delete removes a match and its frames.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM matches WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete match %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Recorder appends the confirmed frames of one match. It implements the
// session's recorder and must be fed frames in order from 0.
type Recorder struct {
	store  *Store
	match  Match
	insert *sql.Stmt
	next   rollback.Frame
	// failed holds the first write error; the journal cannot skip a frame,
	// so every later frame is refused with it.
	failed error
}

// MatchID returns the id frames are recorded under.
func (r *Recorder) MatchID() string { return r.match.ID }

// RecordFrame stores one confirmed frame.
func (r *Recorder) RecordFrame(fi rollback.FrameInputs) error {
	if r.failed != nil {
		return fmt.Errorf("%w: %w", ErrRecorderFailed, r.failed)
	}
	if fi.Frame != r.next {
		return fmt.Errorf("journal: frame %d recorded out of order, want %d", fi.Frame, r.next)
	}
	if !fi.Confirmed() {
		return fmt.Errorf("journal: frame %d has predicted inputs", fi.Frame)
	}
	blob := make([]byte, len(fi.Inputs))
	for h, in := range fi.Inputs {
		blob[h] = byte(in.Bits)
	}
	if _, err := r.insert.Exec(r.match.ID, int64(fi.Frame), blob); err != nil {
		r.failed = fmt.Errorf("insert frame %d: %w", fi.Frame, err)
		return r.failed
	}
	r.next++
	return nil
}

// End records how the match finished and the checksum of its last
// confirmed frame, then releases the recorder.
func (r *Recorder) End(ctx context.Context, result string, last rollback.Frame, checksum uint64) error {
	defer r.insert.Close()
	_, err := r.store.db.ExecContext(ctx,
		`UPDATE matches SET ended_at = ?, result = ?, last_frame = ?, checksum = ? WHERE id = ?`,
		toMillis(time.Now()), result, int64(last), int64(checksum), r.match.ID)
	if err != nil {
		return fmt.Errorf("finish match %s: %w", r.match.ID, err)
	}
	return nil
}
