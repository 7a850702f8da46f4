package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SpeechSessionRecord is the history entry for one speech session.
type SpeechSessionRecord struct {
	SessionID  string
	DeviceID   string
	StartedAt  time.Time
	EndedAt    time.Time
	EndReason  string
	EventCount int
}

// RecordSessionStart inserts a history entry for a newly opened session.
func (s *Store) RecordSessionStart(ctx context.Context, sessionID, deviceID string, startedAt time.Time) error {
	if err := s.ensureWritable(); err != nil {
		return err
	}
	if startedAt.IsZero() {
		startedAt = s.now()
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO speech_sessions (session_id, device_id, started_at) VALUES (?, ?, ?)`,
		sessionID, deviceID, formatTime(startedAt),
	); err != nil {
		return fmt.Errorf("store: record session start %s: %w", sessionID, err)
	}
	return nil
}

// RecordSessionEnd closes the history entry for a session.
func (s *Store) RecordSessionEnd(ctx context.Context, sessionID, reason string, eventCount int) error {
	if err := s.ensureWritable(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE speech_sessions SET ended_at = ?, end_reason = ?, event_count = ? WHERE session_id = ? AND ended_at IS NULL`,
		formatTime(s.now()), reason, eventCount, sessionID,
	)
	if err != nil {
		return fmt.Errorf("store: record session end %s: %w", sessionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NotFoundError{Entity: "open speech session", Key: sessionID}
	}
	return nil
}

// ListSessions returns the most recent sessions for a device, newest first.
func (s *Store) ListSessions(ctx context.Context, deviceID string, limit int) ([]SpeechSessionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, device_id, started_at, ended_at, end_reason, event_count
		 FROM speech_sessions WHERE device_id = ? ORDER BY started_at DESC LIMIT ?`,
		deviceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions for %s: %w", deviceID, err)
	}
	return scanList(rows, scanSession, "store: scan session", "store: iterate sessions")
}

func scanSession(scanner rowScanner) (SpeechSessionRecord, error) {
	var (
		rec              SpeechSessionRecord
		started, ended   sql.NullString
	)
	if err := scanner.Scan(&rec.SessionID, &rec.DeviceID, &started, &ended, &rec.EndReason, &rec.EventCount); err != nil {
		return SpeechSessionRecord{}, err
	}
	rec.StartedAt = parseTime(started)
	rec.EndedAt = parseTime(ended)
	return rec, nil
}
