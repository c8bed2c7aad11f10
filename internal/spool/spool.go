// Package spool implements the durable, append-only per-run event store
// described in spec.md §4.2 and §6.4: events keyed by (run_id, seq), acked
// up to a per-run watermark, and pruned by wall-clock age.
package spool

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/alderwick/relay/internal/envelope"
)

// Spool is a single-file SQLite-backed durable queue of unsent envelopes.
type Spool struct {
	db *sql.DB
}

// Open creates (if needed) the spool schema at dsn and returns a ready
// Spool. Pragmas mirror the teacher's store.Open: WAL mode for concurrent
// readers/writers, foreign keys on for referential integrity.
func Open(dsn string) (*Spool, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open spool db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	s := &Spool{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init spool schema: %w", err)
	}
	return s, nil
}

// init creates the spool_events/spool_acks tables if they do not already
// exist (spec.md §6.4). Two small fixed tables don't warrant the teacher's
// embed.FS migration runner — see DESIGN.md.
func (s *Spool) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS spool_events (
			run_id TEXT NOT NULL,
			seq    INTEGER NOT NULL,
			ts     TEXT NOT NULL,
			json   TEXT NOT NULL,
			PRIMARY KEY (run_id, seq)
		);
		CREATE TABLE IF NOT EXISTS spool_acks (
			run_id   TEXT PRIMARY KEY,
			last_seq INTEGER NOT NULL
		);
	`)
	return err
}

// Close closes the underlying database.
func (s *Spool) Close() error { return s.db.Close() }

// Insert stores env with INSERT OR IGNORE semantics on (run_id, seq), making
// repeated inserts of the same envelope idempotent (spec.md §3 invariant).
// Insert requires both RunID and Seq to be present; transient envelopes
// (heartbeats, top-level RPCs) never reach the spool.
func (s *Spool) Insert(ctx context.Context, env envelope.Envelope) error {
	if env.RunID == "" || env.Seq == nil {
		return fmt.Errorf("spool: envelope missing run_id or seq")
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO spool_events (run_id, seq, ts, json) VALUES (?, ?, ?, ?)`,
		env.RunID, *env.Seq, env.TS.Format(time.RFC3339Nano), string(raw))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ApplyAck records last_seq as the new watermark for run_id (monotonic — it
// never moves backward) and deletes every event at or below it.
func (s *Spool) ApplyAck(ctx context.Context, runID string, lastSeq int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ack tx: %w", err)
	}
	defer tx.Rollback()

	var existing sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT last_seq FROM spool_acks WHERE run_id = ?`, runID).Scan(&existing); err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("read ack: %w", err)
	}
	newSeq := lastSeq
	if existing.Valid && existing.Int64 > newSeq {
		newSeq = existing.Int64
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO spool_acks (run_id, last_seq) VALUES (?, ?)
		ON CONFLICT(run_id) DO UPDATE SET last_seq = excluded.last_seq
	`, runID, newSeq); err != nil {
		return fmt.Errorf("upsert ack: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM spool_events WHERE run_id = ? AND seq <= ?`, runID, newSeq); err != nil {
		return fmt.Errorf("delete acked events: %w", err)
	}
	return tx.Commit()
}

// Pending returns up to limit envelopes across all runs, ordered by
// (run_id, seq), whose seq exceeds that run's ack watermark (or 0 if never
// acked).
func (s *Spool) Pending(ctx context.Context, limit int) ([]envelope.Envelope, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.json FROM spool_events e
		LEFT JOIN spool_acks a ON a.run_id = e.run_id
		WHERE e.seq > COALESCE(a.last_seq, 0)
		ORDER BY e.run_id, e.seq
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()

	var out []envelope.Envelope
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		var env envelope.Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			return nil, fmt.Errorf("decode pending: %w", err)
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

// PruneBefore deletes events older than ts (wall-clock, per the event's
// stored ts column).
func (s *Spool) PruneBefore(ctx context.Context, ts time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM spool_events WHERE ts < ?`, ts.Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}
	return res.RowsAffected()
}

// RunPruneLoop runs PruneBefore(now - maxAge) every interval until ctx is
// cancelled — the spec's "background task prunes entries older than three
// days every hour" (spec.md §4.2).
func (s *Spool) RunPruneLoop(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.PruneBefore(ctx, time.Now().Add(-maxAge))
			if err != nil {
				continue
			}
			_ = n
		}
	}
}

// PendingCount returns the number of events awaiting delivery, used by the
// rpc.host.doctor diagnostic (SPEC_FULL.md §6).
func (s *Spool) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM spool_events e
		LEFT JOIN spool_acks a ON a.run_id = e.run_id
		WHERE e.seq > COALESCE(a.last_seq, 0)
	`).Scan(&n)
	return n, err
}
