package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// SQLStore keeps entries in a single table, on SQLite or PostgreSQL.
type SQLStore struct {
	db    *sqlx.DB
	locks sessionLocks
}

type entryRow struct {
	EventID   string         `db:"event_id"`
	SessionID string         `db:"session_id"`
	Seq       int64          `db:"seq"`
	TurnID    sql.NullString `db:"turn_id"`
	Type      string         `db:"type"`
	Timestamp time.Time      `db:"ts"`
	Data      sql.NullString `db:"data"`
}

// NewSQLStore creates a SQL-backed store and ensures the schema exists.
func NewSQLStore(db *sqlx.DB) (*SQLStore, error) {
	store := &SQLStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize event log schema: %w", err)
	}
	return store, nil
}

func (s *SQLStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS session_events (
		event_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		seq BIGINT NOT NULL,
		turn_id TEXT,
		type TEXT NOT NULL,
		ts TIMESTAMP NOT NULL,
		data TEXT,
		UNIQUE(session_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_session_events_session_seq ON session_events(session_id, seq);
	CREATE INDEX IF NOT EXISTS idx_session_events_ts ON session_events(ts);
	`
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) Append(ctx context.Context, e *Entry) error {
	if err := validateSessionID(e.SessionID); err != nil {
		return err
	}
	var data sql.NullString
	if len(e.Data) > 0 {
		raw, err := json.Marshal(e.Data)
		if err != nil {
			return fmt.Errorf("encode entry data: %w", err)
		}
		data = sql.NullString{String: string(raw), Valid: true}
	}

	unlock := s.locks.lock(e.SessionID)
	defer unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var latest int64
	if err := tx.GetContext(ctx, &latest, tx.Rebind(
		`SELECT COALESCE(MAX(seq), 0) FROM session_events WHERE session_id = ?`), e.SessionID); err != nil {
		return fmt.Errorf("read latest seq: %w", err)
	}
	prepareEntry(e, latest+1)

	turnID := sql.NullString{String: e.TurnID, Valid: e.TurnID != ""}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO session_events (event_id, session_id, seq, turn_id, type, ts, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), e.EventID, e.SessionID, e.Seq, turnID, e.Type, e.Timestamp.UTC(), data); err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return tx.Commit()
}

func (s *SQLStore) Since(ctx context.Context, sessionID string, sinceSeq int64, types ...string) ([]Entry, error) {
	query := `SELECT event_id, session_id, seq, turn_id, type, ts, data
		FROM session_events WHERE session_id = ? AND seq > ?`
	args := []interface{}{sessionID, sinceSeq}
	if len(types) > 0 {
		in, inArgs, err := sqlx.In(` AND type IN (?)`, types)
		if err != nil {
			return nil, err
		}
		query += in
		args = append(args, inArgs...)
	}
	query += ` ORDER BY seq ASC`

	var rows []entryRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}

	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		e := Entry{
			EventID:   r.EventID,
			SessionID: r.SessionID,
			Seq:       r.Seq,
			TurnID:    r.TurnID.String,
			Type:      r.Type,
			Timestamp: r.Timestamp,
		}
		if r.Data.Valid && r.Data.String != "" {
			if err := json.Unmarshal([]byte(r.Data.String), &e.Data); err != nil {
				return nil, fmt.Errorf("decode entry %d data: %w", r.Seq, err)
			}
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *SQLStore) LatestSeq(ctx context.Context, sessionID string) (int64, error) {
	var latest int64
	err := s.db.GetContext(ctx, &latest, s.db.Rebind(
		`SELECT COALESCE(MAX(seq), 0) FROM session_events WHERE session_id = ?`), sessionID)
	return latest, err
}

func (s *SQLStore) Sessions(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids,
		`SELECT DISTINCT session_id FROM session_events ORDER BY session_id`)
	return ids, err
}

// Prune deletes sessions whose newest entry is older than maxAge.
func (s *SQLStore) Prune(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, s.db.Rebind(`
		SELECT session_id FROM session_events
		GROUP BY session_id HAVING MAX(ts) < ?
	`), cutoff); err != nil {
		return 0, err
	}
	for _, id := range ids {
		unlock := s.locks.lock(id)
		_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM session_events WHERE session_id = ?`), id)
		unlock()
		if err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
