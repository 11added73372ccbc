// Package store persists autosave snapshots and desync reports in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"lockstep/server/internal/desync"
	"lockstep/server/internal/sim"
)

// ErrNoSnapshot is returned when nothing has been saved yet.
var ErrNoSnapshot = errors.New("no snapshot stored")

// Store wraps a WAL-mode SQLite database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS snapshots (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		tick       INTEGER NOT NULL,
		substeps   INTEGER NOT NULL,
		body       BLOB NOT NULL,
		saved_at   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_tick ON snapshots(tick);

	CREATE TABLE IF NOT EXISTS desyncs (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		timeline    TEXT NOT NULL,
		tick        INTEGER NOT NULL,
		peer        TEXT NOT NULL,
		local_sum   TEXT NOT NULL,
		remote_sum  TEXT NOT NULL,
		recorded_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_desyncs_timeline ON desyncs(timeline, tick);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// SaveSnapshot stores snap as the newest autosave. It implements sim.SnapshotSaver.
func (s *Store) SaveSnapshot(ctx context.Context, snap sim.WorldSnapshot) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	savedAt := s.now().UTC().Format(time.RFC3339Nano)
	return retryOnContention(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO snapshots (tick, substeps, body, saved_at) VALUES (?, ?, ?, ?)`,
			int64(snap.Tick()), int64(snap.Substeps), body, savedAt,
		)
		return err
	})
}

// SavedSnapshot is a stored snapshot with its row metadata.
type SavedSnapshot struct {
	ID       int64
	Snapshot sim.WorldSnapshot
	SavedAt  time.Time
}

// LatestSnapshot returns the most recently saved snapshot, or ErrNoSnapshot.
func (s *Store) LatestSnapshot(ctx context.Context) (SavedSnapshot, error) {
	var (
		out     SavedSnapshot
		body    []byte
		savedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, body, saved_at FROM snapshots ORDER BY id DESC LIMIT 1`,
	).Scan(&out.ID, &body, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return out, ErrNoSnapshot
	}
	if err != nil {
		return out, fmt.Errorf("query snapshot: %w", err)
	}
	if err := json.Unmarshal(body, &out.Snapshot); err != nil {
		return out, fmt.Errorf("decode snapshot %d: %w", out.ID, err)
	}
	out.SavedAt, _ = time.Parse(time.RFC3339Nano, savedAt)
	return out, nil
}

// Prune keeps only the newest keep snapshots and reports how many were removed.
func (s *Store) Prune(ctx context.Context, keep int) (int64, error) {
	if keep < 1 {
		keep = 1
	}
	var removed int64
	err := retryOnContention(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM snapshots WHERE id NOT IN (SELECT id FROM snapshots ORDER BY id DESC LIMIT ?)`,
			keep,
		)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	return removed, err
}

// RecordDesync stores a checksum mismatch. It implements desync.Recorder.
func (s *Store) RecordDesync(ctx context.Context, m desync.Mismatch) error {
	recordedAt := s.now().UTC().Format(time.RFC3339Nano)
	return retryOnContention(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO desyncs (timeline, tick, peer, local_sum, remote_sum, recorded_at) VALUES (?, ?, ?, ?, ?, ?)`,
			m.Timeline.String(), int64(m.Tick), m.Peer, m.Local.Hex(), m.Remote.Hex(), recordedAt,
		)
		return err
	})
}

// DesyncRecord is one stored mismatch.
type DesyncRecord struct {
	Timeline   string
	Tick       uint64
	Peer       string
	Local      string
	Remote     string
	RecordedAt time.Time
}

// Desyncs lists the newest limit mismatches, newest first.
func (s *Store) Desyncs(ctx context.Context, limit int) ([]DesyncRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT timeline, tick, peer, local_sum, remote_sum, recorded_at FROM desyncs ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query desyncs: %w", err)
	}
	defer rows.Close()

	var out []DesyncRecord
	for rows.Next() {
		var (
			rec        DesyncRecord
			tick       int64
			recordedAt string
		)
		if err := rows.Scan(&rec.Timeline, &tick, &rec.Peer, &rec.Local, &rec.Remote, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan desync: %w", err)
		}
		rec.Tick = uint64(tick)
		rec.RecordedAt, _ = time.Parse(time.RFC3339Nano, recordedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}
