package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// User is a row of the users table. Nullable columns map to pointers so
// the API can render them as JSON null.
type User struct {
	ID             int64   `json:"id"`
	PeerPubkey     string  `json:"peer_pubkey"`
	ClientIP       *string `json:"client_ip"`
	Nickname       *string `json:"nickname"`
	Mail           *string `json:"mail"`
	Phone          *string `json:"phone"`
	LoginIP        *string `json:"login_ip"`
	BandwidthLimit int64   `json:"bandwidth_limit"`
	DataLimit      int64   `json:"data_limit"`
	ExpiryDate     *string `json:"expiry_date"`
	Status         int     `json:"status"`
	Enabled        int     `json:"enabled"`
	TotalRx        int64   `json:"total_rx"`
	TotalTx        int64   `json:"total_tx"`
	LastLogin      *string `json:"last_login"`
	Note           *string `json:"note"`
	WGConfig       *string `json:"wg_config"`
	CreatedAt      string  `json:"created_at"`
	UpdatedAt      string  `json:"updated_at"`
}

const userColumns = `id, peer_pubkey, client_ip, nickname, mail, phone, login_ip,
	bandwidth_limit, data_limit, expiry_date, status, enabled, total_rx, total_tx,
	last_login, note, wg_config, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	err := row.Scan(
		&u.ID, &u.PeerPubkey, &u.ClientIP, &u.Nickname, &u.Mail, &u.Phone, &u.LoginIP,
		&u.BandwidthLimit, &u.DataLimit, &u.ExpiryDate, &u.Status, &u.Enabled,
		&u.TotalRx, &u.TotalTx, &u.LastLogin, &u.Note, &u.WGConfig,
		&u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// UserByPubkey returns the user owning pubkey, or nil when none exists.
func (s *Store) UserByPubkey(ctx context.Context, pubkey string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE peer_pubkey = ?`, pubkey)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user by pubkey: %w", err)
	}
	return u, nil
}

// UserByID returns the user with the given id, or nil when none exists.
func (s *Store) UserByID(ctx context.Context, id int64) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user by id: %w", err)
	}
	return u, nil
}

// Users returns every user ordered by id.
func (s *Store) Users(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate users: %w", err)
	}
	return users, nil
}

// CreateBareUser registers a previously unknown peer with nothing but its
// public key. Column defaults leave it enabled with no allocated IP.
func (s *Store) CreateBareUser(ctx context.Context, pubkey string) (int64, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (peer_pubkey, created_at, updated_at) VALUES (?, ?, ?)`,
		pubkey, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read new user id: %w", err)
	}
	return id, nil
}

type CreateUserParams struct {
	PeerPubkey     string
	ClientIP       string
	Nickname       *string
	Mail           *string
	Phone          *string
	BandwidthLimit int64
	DataLimit      int64
	ExpiryDate     *string
	Note           *string
	WGConfig       string
}

// CreateUser inserts a fully provisioned user and returns its id.
func (s *Store) CreateUser(ctx context.Context, p CreateUserParams) (int64, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (peer_pubkey, client_ip, nickname, mail, phone,
			bandwidth_limit, data_limit, expiry_date, note, wg_config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.PeerPubkey, p.ClientIP, p.Nickname, p.Mail, p.Phone,
		p.BandwidthLimit, p.DataLimit, p.ExpiryDate, p.Note, p.WGConfig, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read new user id: %w", err)
	}
	return id, nil
}

var userUpdateColumns = map[string]bool{
	"nickname":        true,
	"mail":            true,
	"phone":           true,
	"bandwidth_limit": true,
	"data_limit":      true,
	"expiry_date":     true,
	"enabled":         true,
	"note":            true,
}

// UpdateUser applies the given column values to a user row. Only profile
// columns may be touched; anything else is rejected.
func (s *Store) UpdateUser(ctx context.Context, id int64, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	cols := make([]string, 0, len(fields))
	for col := range fields {
		if !userUpdateColumns[col] {
			return fmt.Errorf("column %q is not updatable", col)
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	var sb strings.Builder
	sb.WriteString("UPDATE users SET ")
	args := make([]any, 0, len(cols)+2)
	for i, col := range cols {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(col)
		sb.WriteString(" = ?")
		args = append(args, fields[col])
	}
	sb.WriteString(", updated_at = ? WHERE id = ?")
	args = append(args, s.now(), id)

	if _, err := s.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	return nil
}

// SetUserStatus flips the online flag (0 or 1) on a user row.
func (s *Store) SetUserStatus(ctx context.Context, id int64, status int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET status = ?, updated_at = ? WHERE id = ?`,
		status, s.now(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to set user status: %w", err)
	}
	return nil
}

// DisableUser clears the enabled flag, used when an expiry date passes.
func (s *Store) DisableUser(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET enabled = 0, updated_at = ? WHERE id = ?`,
		s.now(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to disable user: %w", err)
	}
	return nil
}

// DeleteUser removes a user row; events and traffic_stats rows follow via
// ON DELETE CASCADE.
func (s *Store) DeleteUser(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return nil
}

// ResetUserTraffic zeroes the lifetime counters of a user.
func (s *Store) ResetUserTraffic(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET total_rx = 0, total_tx = 0, updated_at = ? WHERE id = ?`,
		s.now(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to reset user traffic: %w", err)
	}
	return nil
}

// ClientIPs returns every allocated tunnel address.
func (s *Store) ClientIPs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT client_ip FROM users WHERE client_ip IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("failed to query client ips: %w", err)
	}
	defer rows.Close()

	var ips []string
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return nil, fmt.Errorf("failed to scan client ip: %w", err)
		}
		ips = append(ips, ip)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate client ips: %w", err)
	}
	return ips, nil
}

// EnabledUserCount counts users allowed to connect.
func (s *Store) EnabledUserCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE enabled = 1`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count enabled users: %w", err)
	}
	return n, nil
}

// OnlineUserCount counts users whose online flag is set.
func (s *Store) OnlineUserCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE status = 1`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count online users: %w", err)
	}
	return n, nil
}
