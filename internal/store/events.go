package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Event is a row of the events table.
type Event struct {
	ID              int64   `json:"id"`
	UserID          int64   `json:"user_id"`
	StartTime       string  `json:"start_time"`
	EndTime         *string `json:"end_time"`
	LastUpdate      string  `json:"last_update"`
	SessionRx       int64   `json:"session_rx"`
	SessionTx       int64   `json:"session_tx"`
	LoginIP         *string `json:"login_ip"`
	EndpointInfo    *string `json:"endpoint_info"`
	Status          string  `json:"status"`
	DurationSeconds int64   `json:"duration_seconds"`
}

// EventUserRow is an event joined with the owning user's display columns.
type EventUserRow struct {
	Event
	Nickname   *string
	PeerPubkey *string
}

// ClosedSession summarizes what CloseSession wrote.
type ClosedSession struct {
	EventID         int64
	UserID          int64
	SessionRx       int64
	SessionTx       int64
	DurationSeconds int64
}

// CreateEvent opens a session event for a user. Session counters start at
// zero; the engine publishes deltas into them on subsequent ticks.
func (s *Store) CreateEvent(ctx context.Context, userID int64, endpoint *string) (int64, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (user_id, start_time, last_update, session_rx, session_tx,
			login_ip, endpoint_info, status)
		VALUES (?, ?, ?, 0, 0, NULL, ?, 'ONLINE')`,
		userID, now, now, endpoint,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read new event id: %w", err)
	}
	return id, nil
}

// UpdateEventTraffic overwrites the session counters of an open event and
// refreshes its last_update timestamp.
func (s *Store) UpdateEventTraffic(ctx context.Context, eventID, sessionRx, sessionTx int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE events SET last_update = ?, session_rx = ?, session_tx = ? WHERE id = ?`,
		s.now(), sessionRx, sessionTx, eventID,
	)
	if err != nil {
		return fmt.Errorf("failed to update event traffic: %w", err)
	}
	return nil
}

/// CloseSession finalizes an open event in a single transaction: the event
// row gets its end_time, OFFLINE status and duration, the owning user
// accumulates the session counters into its lifetime totals, and today's
// traffic_stats row absorbs the same counters plus one session.
//
// Returns ErrEventClosed when the event is missing or already closed, so
// concurrent close attempts settle on exactly one winner.
func (s *Store) CloseSession(ctx context.Context, eventID int64) (*ClosedSession, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin close transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		userID    int64
		sessionRx int64
		sessionTx int64
		startTime string
	)
	err = tx.QueryRowContext(ctx,
		`SELECT user_id, session_rx, session_tx, start_time FROM events WHERE id = ? AND end_time IS NULL`,
		eventID,
	).Scan(&userID, &sessionRx, &sessionTx, &startTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventClosed
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load event for close: %w", err)
	}

	now := s.clock.Now()
	var duration int64
	if start, perr := time.ParseInLocation(time.DateTime, startTime, time.Local); perr == nil {
		duration = int64(now.Sub(start).Seconds())
		if duration < 0 {
			duration = 0
		}
	}
	nowStr := now.Format(time.DateTime)

	_, err = tx.ExecContext(ctx,
		`UPDATE users SET total_rx = total_rx + ?, total_tx = total_tx + ?,
			last_login = ?, updated_at = ?
		WHERE id = ?`,
		sessionRx, sessionTx, nowStr, nowStr, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to accumulate user traffic: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO traffic_stats (user_id, date, daily_rx, daily_tx, session_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(user_id, date) DO UPDATE SET
			daily_rx = daily_rx + excluded.daily_rx,
			daily_tx = daily_tx + excluded.daily_tx,
			session_count = session_count + excluded.session_count,
			updated_at = excluded.updated_at`,
		userID, now.Format(time.DateOnly), sessionRx, sessionTx, nowStr, nowStr,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert daily traffic: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE events SET end_time = ?, status = 'OFFLINE', duration_seconds = ? WHERE id = ?`,
		nowStr, duration, eventID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to close event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit close transaction: %w", err)
	}
	return &ClosedSession{
		EventID:         eventID,
		UserID:          userID,
		SessionRx:       sessionRx,
		SessionTx:       sessionTx,
		DurationSeconds: duration,
	}, nil
}

// OpenEventIDs returns the ids of a user's events with no end_time.
func (s *Store) OpenEventIDs(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM events WHERE user_id = ? AND end_time IS NULL`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query open events: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan event id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate open events: %w", err)
	}
	return ids, nil
}

// EventByID returns a single event, or nil when none exists.
func (s *Store) EventByID(ctx context.Context, id int64) (*Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, start_time, end_time, last_update, session_rx, session_tx,
			login_ip, endpoint_info, status, duration_seconds
		FROM events WHERE id = ?`, id)
	var e Event
	err := row.Scan(&e.ID, &e.UserID, &e.StartTime, &e.EndTime, &e.LastUpdate,
		&e.SessionRx, &e.SessionTx, &e.LoginIP, &e.EndpointInfo, &e.Status, &e.DurationSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query event: %w", err)
	}
	return &e, nil
}

// LatestEvents returns each user's most recent event, online sessions
// first, capped at 100 rows.
func (s *Store) LatestEvents(ctx context.Context) ([]EventUserRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH latest_events AS (
			SELECT user_id, MAX(id) AS latest_id
			FROM events
			GROUP BY user_id
		)
		SELECT e.id, e.user_id, e.start_time, e.end_time, e.last_update,
			e.session_rx, e.session_tx, e.login_ip, e.endpoint_info, e.status,
			e.duration_seconds, u.nickname, u.peer_pubkey
		FROM events e
		LEFT JOIN users u ON e.user_id = u.id
		INNER JOIN latest_events le ON e.id = le.latest_id
		ORDER BY e.status DESC, e.last_update DESC
		LIMIT 100`)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest events: %w", err)
	}
	defer rows.Close()
	return scanEventUserRows(rows)
}

// HistoryParams filter the event history listing. UserID zero means all
// users; Status is "all", "online" or "offline".
type HistoryParams struct {
	Page    int
	PerPage int
	UserID  int64
	Status  string
}

// EventsHistory returns one page of the full event log, newest first,
// along with the total row count for the active filter.
func (s *Store) EventsHistory(ctx context.Context, p HistoryParams) ([]EventUserRow, int64, error) {
	var conds []string
	var args []any
	if p.UserID != 0 {
		conds = append(conds, "e.user_id = ?")
		args = append(args, p.UserID)
	}
	switch p.Status {
	case "online":
		conds = append(conds, "e.status = 'ONLINE'")
	case "offline":
		conds = append(conds, "e.status = 'OFFLINE'")
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}

	var total int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events e `+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count events: %w", err)
	}

	query := `
		SELECT e.id, e.user_id, e.start_time, e.end_time, e.last_update,
			e.session_rx, e.session_tx, e.login_ip, e.endpoint_info, e.status,
			e.duration_seconds, u.nickname, u.peer_pubkey
		FROM events e
		LEFT JOIN users u ON e.user_id = u.id
		` + where + `
		ORDER BY e.id DESC
		LIMIT ? OFFSET ?`
	args = append(args, p.PerPage, (p.Page-1)*p.PerPage)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query event history: %w", err)
	}
	defer rows.Close()

	events, err := scanEventUserRows(rows)
	if err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

// FirstEventStart returns the earliest start_time on record, or nil when
// no events exist yet.
func (s *Store) FirstEventStart(ctx context.Context) (*string, error) {
	var first *string
	if err := s.db.QueryRowContext(ctx, `SELECT MIN(start_time) FROM events`).Scan(&first); err != nil {
		return nil, fmt.Errorf("failed to query first event: %w", err)
	}
	return first, nil
}

func scanEventUserRows(rows *sql.Rows) ([]EventUserRow, error) {
	var events []EventUserRow
	for rows.Next() {
		var e EventUserRow
		err := rows.Scan(&e.ID, &e.UserID, &e.StartTime, &e.EndTime, &e.LastUpdate,
			&e.SessionRx, &e.SessionTx, &e.LoginIP, &e.EndpointInfo, &e.Status,
			&e.DurationSeconds, &e.Nickname, &e.PeerPubkey)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate event rows: %w", err)
	}
	return events, nil
}
