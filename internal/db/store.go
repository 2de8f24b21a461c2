// Package db provides the sqlite session store and its migrations.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Ship-Gate/ShipGate-sub013/internal/recorder"
)

// Session statuses.
const (
	StatusRunning     = "running"
	StatusFinished    = "finished"
	StatusInterrupted = "interrupted"
)

// Store provides persistence for sessions and their iterations.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a store for session persistence.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Session is a new session row.
type Session struct {
	ID       string
	Target   string
	SpecHash string
	Dir      string
}

// SessionRecord is a stored session.
type SessionRecord struct {
	ID         string
	CreatedAt  string
	FinishedAt string
	Target     string
	SpecHash   string
	Status     string
	OK         bool
	Reason     string
	Iterations int
	BundleID   string
	Dir        string
}

// Finish carries the terminal outcome of a session.
type Finish struct {
	OK         bool
	Reason     string
	Iterations int
	BundleID   string
}

// Event represents a timeline event for a session.
type Event struct {
	Seq      int
	TS       string
	Type     string
	Message  string
	DataJSON string
}

// CreateSession inserts the session record and a session_started event.
func (s *Store) CreateSession(ctx context.Context, sess Session) error {
	createdAt := s.now().UTC().Format(time.RFC3339)
	return s.inTx(ctx, "create session", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO sessions(session_id, created_at, target, spec_hash, status, session_dir)
			VALUES(?, ?, ?, ?, ?, ?)`,
			sess.ID, createdAt, sess.Target, sess.SpecHash, StatusRunning, sess.Dir); err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return s.insertEvent(ctx, tx, sess.ID, "session_started", "session started", "")
	})
}

// FinishSession stores the terminal outcome and a session_finished event.
func (s *Store) FinishSession(ctx context.Context, id string, fin Finish) error {
	finishedAt := s.now().UTC().Format(time.RFC3339)
	data, err := json.Marshal(map[string]any{"ok": fin.OK, "reason": fin.Reason, "iterations": fin.Iterations})
	if err != nil {
		return fmt.Errorf("encode finish event: %w", err)
	}
	return s.inTx(ctx, "finish session", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE sessions SET status=?, finished_at=?, ok=?, reason=?, iterations=?, bundle_id=? WHERE session_id=?`,
			StatusFinished, finishedAt, fin.OK, nullableString(fin.Reason), fin.Iterations, nullableString(fin.BundleID), id)
		if err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("session %s not found", id)
		}
		return s.insertEvent(ctx, tx, id, "session_finished", "session finished: "+fin.Reason, string(data))
	})
}

// Sink returns a recorder sink persisting the snapshots of session id.
func (s *Store) Sink(id string) recorder.Sink {
	return sessionSink{store: s, id: id}
}

type sessionSink struct {
	store *Store
	id    string
}

func (k sessionSink) RecordIteration(ctx context.Context, snap recorder.Snapshot) error {
	return k.store.RecordIteration(ctx, k.id, snap)
}

// RecordIteration inserts the iteration row and an iteration_recorded event
// in one transaction.
func (s *Store) RecordIteration(ctx context.Context, id string, snap recorder.Snapshot) error {
	diags, err := json.Marshal(snap.Diagnostics)
	if err != nil {
		return fmt.Errorf("encode diagnostics: %w", err)
	}
	data, err := json.Marshal(map[string]any{
		"outcome":     snap.Outcome,
		"applied":     len(snap.Applied),
		"fingerprint": snap.FingerprintAfter,
	})
	if err != nil {
		return fmt.Errorf("encode iteration event: %w", err)
	}
	return s.inTx(ctx, "record iteration", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO iterations(session_id, iteration, outcome, fingerprint_before, fingerprint_after,
			code_hash, violations, proposed, applied, diagnostics_json, started_at, duration_ms)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, snap.Iteration, string(snap.Outcome), snap.FingerprintBefore, snap.FingerprintAfter,
			snap.CodeHash, len(snap.Violations), len(snap.Proposed), len(snap.Applied), string(diags),
			snap.StartedAt.UTC().Format(time.RFC3339Nano), snap.Duration.Milliseconds()); err != nil {
			return fmt.Errorf("insert iteration: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET iterations=? WHERE session_id=?`, snap.Iteration, id); err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		return s.insertEvent(ctx, tx, id, "iteration_recorded", fmt.Sprintf("iteration %d %s", snap.Iteration, snap.Outcome), string(data))
	})
}

// ListSessions returns sessions newest first. limit <= 0 means all.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	query := `SELECT session_id, created_at, COALESCE(finished_at, ''), target, spec_hash, status, ok,
		COALESCE(reason, ''), iterations, COALESCE(bundle_id, ''), session_dir
		FROM sessions ORDER BY created_at DESC, session_id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []SessionRecord
	for rows.Next() {
		var r SessionRecord
		if err := rows.Scan(&r.ID, &r.CreatedAt, &r.FinishedAt, &r.Target, &r.SpecHash, &r.Status, &r.OK,
			&r.Reason, &r.Iterations, &r.BundleID, &r.Dir); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// GetSessionStatus returns the status for a session id, or empty if missing.
func (s *Store) GetSessionStatus(ctx context.Context, id string) (string, error) {
	row := s.db.QueryRowContext(ctx, `SELECT status FROM sessions WHERE session_id=?`, id)
	var status string
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("read session status: %w", err)
	}
	return status, nil
}

// Events returns the timeline of a session in order.
func (s *Store) Events(ctx context.Context, id string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, ts, type, message, COALESCE(data_json, '') FROM events WHERE session_id=? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.Seq, &ev.TS, &ev.Type, &ev.Message, &ev.DataJSON); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// MarkInterrupted flips running sessions to interrupted and returns their ids.
func (s *Store) MarkInterrupted(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id FROM sessions WHERE status=? ORDER BY session_id`, StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("list running sessions: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate running sessions: %w", err)
	}

	for _, id := range ids {
		err := s.inTx(ctx, "interrupt session", func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `UPDATE sessions SET status=?, finished_at=? WHERE session_id=?`,
				StatusInterrupted, s.now().UTC().Format(time.RFC3339), id); err != nil {
				return fmt.Errorf("update session: %w", err)
			}
			return s.insertEvent(ctx, tx, id, "session_interrupted", "session interrupted by a crash or kill", "")
		})
		if err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// DeleteSession removes a session with its iterations and events.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id=?`, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin %s: %w", op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", op, err)
	}
	return nil
}

func (s *Store) insertEvent(ctx context.Context, tx *sql.Tx, id, typ, message, dataJSON string) error {
	seq, err := s.nextSeq(ctx, tx, id)
	if err != nil {
		return err
	}
	ts := s.now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, `INSERT INTO events(session_id, seq, ts, type, message, data_json) VALUES(?, ?, ?, ?, ?, ?)`,
		id, seq, ts, typ, message, nullableString(dataJSON)); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *Store) nextSeq(ctx context.Context, tx *sql.Tx, id string) (int, error) {
	var seq int
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events WHERE session_id=?`, id)
	if err := row.Scan(&seq); err != nil {
		return 0, fmt.Errorf("read event seq: %w", err)
	}
	return seq + 1, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
