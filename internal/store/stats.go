package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ManagementParams filter and paginate the admin user listing. Status is
// one of "all", "online", "offline", "enabled", "disabled".
type ManagementParams struct {
	Page    int
	PerPage int
	Search  string
	Status  string
}

// ManagementRow is a user joined with its latest open session, if any.
type ManagementRow struct {
	User
	IsOnline       int
	SessionLoginIP *string
	SessionStart   *string
	SessionRx      int64
	SessionTx      int64
}

// ManagementPage returns one page of users with live-session context,
// online users first, plus the total row count for the active filter.
func (s *Store) ManagementPage(ctx context.Context, p ManagementParams) ([]ManagementRow, int64, error) {
	var conds []string
	var args []any
	if p.Search != "" {
		conds = append(conds, "(u.nickname LIKE ? OR u.mail LIKE ? OR u.peer_pubkey LIKE ?)")
		term := "%" + p.Search + "%"
		args = append(args, term, term, term)
	}
	switch p.Status {
	case "online":
		conds = append(conds, "u.status = 1")
	case "offline":
		conds = append(conds, "u.status = 0")
	case "enabled":
		conds = append(conds, "u.enabled = 1")
	case "disabled":
		conds = append(conds, "u.enabled = 0")
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}

	var total int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users u `+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count users: %w", err)
	}

	query := `
		SELECT u.id, u.peer_pubkey, u.client_ip, u.nickname, u.mail, u.phone, u.login_ip,
			u.bandwidth_limit, u.data_limit, u.expiry_date, u.status, u.enabled,
			u.total_rx, u.total_tx, u.last_login, u.note, u.wg_config, u.created_at, u.updated_at,
			CASE WHEN s.event_id IS NOT NULL THEN 1 ELSE 0 END AS is_online,
			s.login_ip AS session_login_ip,
			s.session_start,
			COALESCE(s.session_rx, 0) AS session_rx,
			COALESCE(s.session_tx, 0) AS session_tx
		FROM users u
		LEFT JOIN (
			SELECT user_id, MAX(id) AS event_id, start_time AS session_start,
				login_ip, session_rx, session_tx
			FROM events
			WHERE end_time IS NULL
			GROUP BY user_id
		) s ON u.id = s.user_id
		` + where + `
		ORDER BY u.status DESC, u.last_login DESC
		LIMIT ? OFFSET ?`
	args = append(args, p.PerPage, (p.Page-1)*p.PerPage)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query user management page: %w", err)
	}
	defer rows.Close()

	var out []ManagementRow
	for rows.Next() {
		var r ManagementRow
		err := rows.Scan(
			&r.ID, &r.PeerPubkey, &r.ClientIP, &r.Nickname, &r.Mail, &r.Phone, &r.LoginIP,
			&r.BandwidthLimit, &r.DataLimit, &r.ExpiryDate, &r.Status, &r.Enabled,
			&r.TotalRx, &r.TotalTx, &r.LastLogin, &r.Note, &r.WGConfig, &r.CreatedAt, &r.UpdatedAt,
			&r.IsOnline, &r.SessionLoginIP, &r.SessionStart, &r.SessionRx, &r.SessionTx,
		)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan management row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate management rows: %w", err)
	}
	return out, total, nil
}

// TrafficDay is a row of the traffic_stats table.
type TrafficDay struct {
	UserID       int64
	Date         string
	DailyRx      int64
	DailyTx      int64
	SessionCount int64
	CreatedAt    string
	UpdatedAt    string
}

// TrafficDayRow returns one user's aggregate for a given date, or nil
// when nothing was recorded.
func (s *Store) TrafficDayRow(ctx context.Context, userID int64, date string) (*TrafficDay, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, date, daily_rx, daily_tx, session_count, created_at, updated_at
		FROM traffic_stats WHERE user_id = ? AND date = ?`, userID, date)
	var t TrafficDay
	err := row.Scan(&t.UserID, &t.Date, &t.DailyRx, &t.DailyTx, &t.SessionCount, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query traffic day: %w", err)
	}
	return &t, nil
}

// ChartRow is one day of network-wide traffic totals.
type ChartRow struct {
	Date          string
	TotalRx       int64
	TotalTx       int64
	TotalSessions int64
}

// ChartRows sums traffic per day from sinceDate (inclusive) onward.
func (s *Store) ChartRows(ctx context.Context, sinceDate string) ([]ChartRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date,
			SUM(daily_rx) AS total_rx,
			SUM(daily_tx) AS total_tx,
			SUM(session_count) AS total_sessions
		FROM traffic_stats
		WHERE date >= ?
		GROUP BY date
		ORDER BY date`, sinceDate)
	if err != nil {
		return nil, fmt.Errorf("failed to query chart rows: %w", err)
	}
	defer rows.Close()

	var out []ChartRow
	for rows.Next() {
		var r ChartRow
		if err := rows.Scan(&r.Date, &r.TotalRx, &r.TotalTx, &r.TotalSessions); err != nil {
			return nil, fmt.Errorf("failed to scan chart row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chart rows: %w", err)
	}
	return out, nil
}

// DashboardBasic aggregates the users table for the dashboard summary.
type DashboardBasic struct {
	TotalUsers   int64
	OnlineUsers  int64
	EnabledUsers int64
	TotalRx      int64
	TotalTx      int64
}

func (s *Store) DashboardBasic(ctx context.Context) (*DashboardBasic, error) {
	var d DashboardBasic
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN enabled = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(total_rx), 0),
			COALESCE(SUM(total_tx), 0)
		FROM users`).Scan(&d.TotalUsers, &d.OnlineUsers, &d.EnabledUsers, &d.TotalRx, &d.TotalTx)
	if err != nil {
		return nil, fmt.Errorf("failed to query dashboard basics: %w", err)
	}
	return &d, nil
}

// DashboardToday aggregates traffic_stats for a single date.
type DashboardToday struct {
	TodayRx       int64
	TodayTx       int64
	TodaySessions int64
}

func (s *Store) DashboardToday(ctx context.Context, date string) (*DashboardToday, error) {
	var d DashboardToday
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(daily_rx), 0),
			COALESCE(SUM(daily_tx), 0),
			COALESCE(SUM(session_count), 0)
		FROM traffic_stats
		WHERE date = ?`, date).Scan(&d.TodayRx, &d.TodayTx, &d.TodaySessions)
	if err != nil {
		return nil, fmt.Errorf("failed to query today traffic: %w", err)
	}
	return &d, nil
}

// SystemAggregates summarizes the enabled-user population for the
// system_stats heartbeat.
type SystemAggregates struct {
	TotalUsers  int64
	ActiveUsers int64
	TotalRx     int64
	TotalTx     int64
}

func (s *Store) SystemAggregates(ctx context.Context) (*SystemAggregates, error) {
	var a SystemAggregates
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(total_rx), 0),
			COALESCE(SUM(total_tx), 0)
		FROM users
		WHERE enabled = 1`).Scan(&a.TotalUsers, &a.ActiveUsers, &a.TotalRx, &a.TotalTx)
	if err != nil {
		return nil, fmt.Errorf("failed to query system aggregates: %w", err)
	}
	return &a, nil
}

// AvgSessionDurationToday averages the duration of sessions that started
// on the given date and have already accumulated time.
func (s *Store) AvgSessionDurationToday(ctx context.Context, date string) (int64, error) {
	var avg float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(AVG(duration_seconds), 0)
		FROM events
		WHERE DATE(start_time) = ? AND duration_seconds > 0`, date).Scan(&avg)
	if err != nil {
		return 0, fmt.Errorf("failed to query average session duration: %w", err)
	}
	return int64(avg), nil
}

// SystemDay carries one day's system_stats values.
type SystemDay struct {
	Date               string
	TotalUsers         int64
	ActiveUsers        int64
	TotalRx            int64
	TotalTx            int64
	PeakConcurrent     int64
	AvgSessionDuration int64
}

// UpsertSystemStats writes the day's snapshot. peak_concurrent only ever
// ratchets up within a day; everything else reflects the latest snapshot.
func (s *Store) UpsertSystemStats(ctx context.Context, d SystemDay) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_stats (date, total_users, active_users, total_rx, total_tx,
			peak_concurrent, avg_session_duration, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			total_users = excluded.total_users,
			active_users = excluded.active_users,
			total_rx = excluded.total_rx,
			total_tx = excluded.total_tx,
			peak_concurrent = MAX(peak_concurrent, excluded.peak_concurrent),
			avg_session_duration = excluded.avg_session_duration,
			updated_at = excluded.updated_at`,
		d.Date, d.TotalUsers, d.ActiveUsers, d.TotalRx, d.TotalTx,
		d.PeakConcurrent, d.AvgSessionDuration, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert system stats: %w", err)
	}
	return nil
}

// SystemStatsRow is a row of the system_stats table.
type SystemStatsRow struct {
	Date               string
	TotalUsers         int64
	ActiveUsers        int64
	TotalRx            int64
	TotalTx            int64
	PeakConcurrent     int64
	AvgSessionDuration int64
	CreatedAt          string
	UpdatedAt          string
}

// SystemStatsByDate returns the snapshot for a date, or nil when absent.
func (s *Store) SystemStatsByDate(ctx context.Context, date string) (*SystemStatsRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT date, total_users, active_users, total_rx, total_tx,
			peak_concurrent, avg_session_duration, created_at, updated_at
		FROM system_stats WHERE date = ?`, date)
	var r SystemStatsRow
	err := row.Scan(&r.Date, &r.TotalUsers, &r.ActiveUsers, &r.TotalRx, &r.TotalTx,
		&r.PeakConcurrent, &r.AvgSessionDuration, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query system stats: %w", err)
	}
	return &r, nil
}
