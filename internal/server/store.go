// Package server implements the central routing and persistence core
// (spec.md §4.8, §6.5): it accepts HostD's upstream link on /ws/host,
// accepts app/CLI clients on /ws/app, persists every durable envelope,
// tracks each run's host assignment and derived status, and fans events
// out to connected apps.
package server

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store is the SQLite-backed persistence layer for hosts, runs and events
// (spec.md §6.5). Like internal/spool.Spool, its schema is created inline
// rather than through the teacher's embed.FS migration runner — three
// small tables don't warrant a migration framework; see DESIGN.md.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the server database at dsn.
func OpenStore(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open server db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	st := &Store{db: db}
	if err := st.init(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init server schema: %w", err)
	}
	return st, nil
}

func (st *Store) init() error {
	_, err := st.db.Exec(`
		CREATE TABLE IF NOT EXISTS hosts (
			id            TEXT PRIMARY KEY,
			token_hash    TEXT NOT NULL,
			first_seen_at TEXT NOT NULL,
			last_seen_at  TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS runs (
			id                      TEXT PRIMARY KEY,
			host_id                 TEXT NOT NULL,
			tool                    TEXT NOT NULL,
			cwd                     TEXT NOT NULL,
			command                 TEXT NOT NULL,
			status                  TEXT NOT NULL,
			started_at              TEXT NOT NULL,
			last_active_at          TEXT NOT NULL,
			ended_at                TEXT,
			exit_code               INTEGER,
			pending_request_id      TEXT,
			pending_reason          TEXT,
			pending_prompt          TEXT,
			pending_op_tool         TEXT,
			pending_op_args_summary TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_runs_host_id ON runs(host_id);
		CREATE TABLE IF NOT EXISTS events (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id        TEXT NOT NULL,
			seq           INTEGER NOT NULL,
			host_id       TEXT NOT NULL,
			type          TEXT NOT NULL,
			ts            TEXT NOT NULL,
			json          TEXT NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_events_run_seq ON events(run_id, seq);
		CREATE INDEX IF NOT EXISTS idx_events_run_id ON events(run_id);
	`)
	return err
}

// Close closes the underlying database.
func (st *Store) Close() error { return st.db.Close() }

// HostTokenHash returns the recorded token hash for hostID, if any.
func (st *Store) HostTokenHash(hostID string) (hash string, found bool, err error) {
	err = st.db.QueryRow(`SELECT token_hash FROM hosts WHERE id = ?`, hostID).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query host token: %w", err)
	}
	return hash, true, nil
}

// RegisterHost records hostID's token hash on first sight (TOFU, spec.md
// §4.8 "host auth"). The caller has already confirmed no row exists.
func (st *Store) RegisterHost(hostID, tokenHash, now string) error {
	_, err := st.db.Exec(`
		INSERT INTO hosts (id, token_hash, first_seen_at, last_seen_at) VALUES (?, ?, ?, ?)
	`, hostID, tokenHash, now, now)
	if err != nil {
		return fmt.Errorf("register host: %w", err)
	}
	return nil
}

// TouchHostLastSeen updates a host's last_seen_at timestamp.
func (st *Store) TouchHostLastSeen(hostID, now string) error {
	_, err := st.db.Exec(`UPDATE hosts SET last_seen_at = ? WHERE id = ?`, now, hostID)
	return err
}

// RunRow is the subset of the runs table needed to record a run's start.
type RunRow struct {
	ID        string
	HostID    string
	Tool      string
	CWD       string
	Command   string
	Status    string
	StartedAt string
}

// UpsertRun inserts a run on run.started, or replaces a stale row with the
// same id (a restarted host can reuse run ids only across process
// lifetimes, but the ON CONFLICT upsert keeps this idempotent either way).
func (st *Store) UpsertRun(r RunRow) error {
	_, err := st.db.Exec(`
		INSERT INTO runs (id, host_id, tool, cwd, command, status, started_at, last_active_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			host_id = excluded.host_id, tool = excluded.tool, cwd = excluded.cwd,
			command = excluded.command, status = excluded.status,
			started_at = excluded.started_at, last_active_at = excluded.last_active_at,
			ended_at = NULL, exit_code = NULL,
			pending_request_id = NULL, pending_reason = NULL, pending_prompt = NULL,
			pending_op_tool = NULL, pending_op_args_summary = NULL
	`, r.ID, r.HostID, r.Tool, r.CWD, r.Command, r.Status, r.StartedAt, r.StartedAt)
	if err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}
	return nil
}

// UpdateRunStatus sets a run's status and last_active_at, per spec.md §4.8's
// per-event-type transition rules.
func (st *Store) UpdateRunStatus(runID, status, now string) error {
	_, err := st.db.Exec(`UPDATE runs SET status = ?, last_active_at = ? WHERE id = ?`, status, now, runID)
	return err
}

// TouchRunActive updates only last_active_at, for event types that don't
// change status (e.g. run.output).
func (st *Store) TouchRunActive(runID, now string) error {
	_, err := st.db.Exec(`UPDATE runs SET last_active_at = ? WHERE id = ?`, now, runID)
	return err
}

// SetRunPending records a pending permission/approval request on a run.
func (st *Store) SetRunPending(runID, status, requestID, reason, prompt, opTool, opArgsSummary, now string) error {
	_, err := st.db.Exec(`
		UPDATE runs SET status = ?, last_active_at = ?,
			pending_request_id = ?, pending_reason = ?, pending_prompt = ?,
			pending_op_tool = ?, pending_op_args_summary = ?
		WHERE id = ?
	`, status, now, requestID, reason, prompt, opTool, opArgsSummary, runID)
	return err
}

// ClearRunPending clears any pending request columns and sets status
// (normally "running").
func (st *Store) ClearRunPending(runID, status, now string) error {
	_, err := st.db.Exec(`
		UPDATE runs SET status = ?, last_active_at = ?,
			pending_request_id = NULL, pending_reason = NULL, pending_prompt = NULL,
			pending_op_tool = NULL, pending_op_args_summary = NULL
		WHERE id = ?
	`, status, now, runID)
	return err
}

// PendingRequestID returns the run's current pending_request_id, used to
// decide whether an inbound tool.result matches the outstanding request.
func (st *Store) PendingRequestID(runID string) (string, error) {
	var id sql.NullString
	err := st.db.QueryRow(`SELECT pending_request_id FROM runs WHERE id = ?`, runID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query pending request id: %w", err)
	}
	return id.String, nil
}

// SetRunExited marks a run exited with the given exit code and clears any
// pending state (spec.md §4.8 "run.exited").
func (st *Store) SetRunExited(runID string, exitCode int, now string) error {
	_, err := st.db.Exec(`
		UPDATE runs SET status = 'exited', ended_at = ?, exit_code = ?, last_active_at = ?,
			pending_request_id = NULL, pending_reason = NULL, pending_prompt = NULL,
			pending_op_tool = NULL, pending_op_args_summary = NULL
		WHERE id = ?
	`, now, exitCode, now, runID)
	return err
}

// GetRunHostID returns the host a run belongs to, for routing app commands
// after a server restart has emptied the in-memory map.
func (st *Store) GetRunHostID(runID string) (string, error) {
	var hostID string
	err := st.db.QueryRow(`SELECT host_id FROM runs WHERE id = ?`, runID).Scan(&hostID)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("run not found: %s", runID)
	}
	if err != nil {
		return "", fmt.Errorf("query run host: %w", err)
	}
	return hostID, nil
}

// EventRow is one durable envelope persisted to the events table.
type EventRow struct {
	RunID  string
	Seq    int64
	HostID string
	Type   string
	TS     string
	JSON   string
}

// InsertEvent stores e with INSERT OR IGNORE semantics on (run_id, seq),
// reporting whether a new row was actually inserted so the caller can skip
// redundant status transitions on a replayed envelope.
func (st *Store) InsertEvent(e EventRow) (inserted bool, err error) {
	res, err := st.db.Exec(`
		INSERT OR IGNORE INTO events (run_id, seq, host_id, type, ts, json) VALUES (?, ?, ?, ?, ?, ?)
	`, e.RunID, e.Seq, e.HostID, e.Type, e.TS, e.JSON)
	if err != nil {
		return false, fmt.Errorf("insert event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert event rows affected: %w", err)
	}
	return n > 0, nil
}

// ListEventsSince returns events for runID with seq > afterSeq, ordered by
// seq, for app resync after a reconnect.
func (st *Store) ListEventsSince(runID string, afterSeq int64, limit int) ([]string, error) {
	rows, err := st.db.Query(`
		SELECT json FROM events WHERE run_id = ? AND seq > ? ORDER BY seq LIMIT ?
	`, runID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("query events since: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var j string
		if err := rows.Scan(&j); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// RunSummary is one row of the run list surfaced to apps over REST.
type RunSummary struct {
	ID       string
	HostID   string
	Tool     string
	Status   string
	ExitCode sql.NullInt64
}

// ListRuns returns every known run, most recently active first.
func (st *Store) ListRuns() ([]RunSummary, error) {
	rows, err := st.db.Query(`
		SELECT id, host_id, tool, status, exit_code FROM runs ORDER BY last_active_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var out []RunSummary
	for rows.Next() {
		var s RunSummary
		if err := rows.Scan(&s.ID, &s.HostID, &s.Tool, &s.Status, &s.ExitCode); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
