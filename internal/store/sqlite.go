package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // CGO-free SQLite

	"github.com/felislab/felistrace/backend/internal/model/session"
)

// SQLiteStore persists sessions in a parent table with an ordered child
// table of events. The per-batch transaction is the atomic append unit:
// two concurrent batches for one session never interleave their rows.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string, busyTimeoutMS int) (*SQLiteStore, error) {
	// WAL + busy timeout to avoid "database is locked" under concurrent
	// writers; the modernc driver only applies pragmas given in the
	// _pragma=name(value) form.
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)", path, busyTimeoutMS)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS sessions(
	  id                TEXT PRIMARY KEY,
	  setup_info        TEXT NOT NULL,
	  user_agent        TEXT NOT NULL,
	  location_json     TEXT,
	  device_json       TEXT NOT NULL CHECK (json_valid(device_json)),
	  client_start_time TEXT NOT NULL,
	  client_end_time   TEXT,
	  server_timestamp  TEXT NOT NULL,
	  ip_address        TEXT
	);
	CREATE TABLE IF NOT EXISTS session_events(
	  session_id TEXT    NOT NULL REFERENCES sessions(id),
	  seq        INTEGER NOT NULL,
	  ts_offset  INTEGER NOT NULL,
	  event_type TEXT    NOT NULL,
	  data_json  TEXT    NOT NULL CHECK (json_valid(data_json)),
	  PRIMARY KEY(session_id, seq)
	);
	`)
	if err != nil {
		return fmt.Errorf("failed to create database tables: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) InsertSession(ctx context.Context, doc *session.Session) (string, error) {
	deviceJSON, err := json.Marshal(doc.Device)
	if err != nil {
		return "", fmt.Errorf("failed to marshal device info: %w", err)
	}

	var locationJSON sql.NullString
	if doc.Location != nil {
		raw, err := json.Marshal(doc.Location)
		if err != nil {
			return "", fmt.Errorf("failed to marshal location info: %w", err)
		}
		locationJSON = sql.NullString{String: string(raw), Valid: true}
	}

	var endTime sql.NullString
	if doc.ClientEndTime != nil {
		endTime = sql.NullString{String: formatTime(*doc.ClientEndTime), Valid: true}
	}

	id := uuid.NewString()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", unavailable(err)
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO sessions(id, setup_info, user_agent, location_json, device_json,
	                     client_start_time, client_end_time, server_timestamp, ip_address)
	VALUES(?,?,?,?,json(?),?,?,?,?)`,
		id, doc.SetupInfo, doc.UserAgent, locationJSON, string(deviceJSON),
		formatTime(doc.ClientStartTime), endTime, formatTime(doc.ServerTimestamp), doc.IPAddress)
	if err != nil {
		_ = tx.Rollback()
		return "", unavailable(err)
	}

	if err := insertEvents(ctx, tx, id, 0, doc.Events); err != nil {
		_ = tx.Rollback()
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", unavailable(err)
	}
	return id, nil
}

func (s *SQLiteStore) AppendEvents(ctx context.Context, id string, events []session.Event, endTime *time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, unavailable(err)
	}

	var alreadyClosed bool
	err = tx.QueryRowContext(ctx,
		`SELECT client_end_time IS NOT NULL FROM sessions WHERE id = ?`, id).Scan(&alreadyClosed)
	if err != nil {
		_ = tx.Rollback()
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, unavailable(err)
	}

	var next int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq)+1, 0) FROM session_events WHERE session_id = ?`, id).Scan(&next)
	if err != nil {
		_ = tx.Rollback()
		return false, unavailable(err)
	}

	if err := insertEvents(ctx, tx, id, next, events); err != nil {
		_ = tx.Rollback()
		return alreadyClosed, err
	}

	if endTime != nil && !alreadyClosed {
		_, err = tx.ExecContext(ctx,
			`UPDATE sessions SET client_end_time = ? WHERE id = ?`, formatTime(*endTime), id)
		if err != nil {
			_ = tx.Rollback()
			return alreadyClosed, unavailable(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return alreadyClosed, unavailable(err)
	}
	return alreadyClosed, nil
}

func insertEvents(ctx context.Context, tx *sql.Tx, id string, firstSeq int64, events []session.Event) error {
	if len(events) == 0 {
		return nil
	}

	statement, err := tx.PrepareContext(ctx, `
	INSERT INTO session_events(session_id, seq, ts_offset, event_type, data_json)
	VALUES(?,?,?,?,json(?))`)
	if err != nil {
		return unavailable(err)
	}
	defer statement.Close()

	for i, event := range events {
		data := string(event.Data)
		if data == "" {
			data = "{}"
		}
		if _, err := statement.ExecContext(ctx, id, firstSeq+int64(i), event.Timestamp, event.EventType, data); err != nil {
			return unavailable(err)
		}
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*session.Session, error) {
	var (
		doc          session.Session
		locationJSON sql.NullString
		deviceJSON   string
		clientStart  string
		clientEnd    sql.NullString
		serverStamp  string
	)

	err := s.db.QueryRowContext(ctx, `
	SELECT id, setup_info, user_agent, location_json, device_json,
	       client_start_time, client_end_time, server_timestamp, ip_address
	FROM sessions WHERE id = ?`, id).Scan(
		&doc.ID, &doc.SetupInfo, &doc.UserAgent, &locationJSON, &deviceJSON,
		&clientStart, &clientEnd, &serverStamp, &doc.IPAddress)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, unavailable(err)
	}

	if err := json.Unmarshal([]byte(deviceJSON), &doc.Device); err != nil {
		return nil, fmt.Errorf("failed to unmarshal device info: %w", err)
	}
	if locationJSON.Valid {
		doc.Location = &session.Location{}
		if err := json.Unmarshal([]byte(locationJSON.String), doc.Location); err != nil {
			return nil, fmt.Errorf("failed to unmarshal location info: %w", err)
		}
	}
	if doc.ClientStartTime, err = parseTime(clientStart); err != nil {
		return nil, err
	}
	if doc.ServerTimestamp, err = parseTime(serverStamp); err != nil {
		return nil, err
	}
	if clientEnd.Valid {
		end, err := parseTime(clientEnd.String)
		if err != nil {
			return nil, err
		}
		doc.ClientEndTime = &end
	}

	rows, err := s.db.QueryContext(ctx, `
	SELECT ts_offset, event_type, data_json
	FROM session_events WHERE session_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			event session.Event
			data  string
		)
		if err := rows.Scan(&event.Timestamp, &event.EventType, &data); err != nil {
			return nil, unavailable(err)
		}
		event.Data = json.RawMessage(data)
		doc.Events = append(doc.Events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}

	return &doc, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable(err)
	}
	return nil
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse stored timestamp %q: %w", raw, err)
	}
	return t, nil
}
