package store

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		peer_pubkey TEXT UNIQUE NOT NULL,
		client_ip TEXT UNIQUE,
		nickname TEXT,
		mail TEXT,
		phone TEXT,
		login_ip TEXT,
		bandwidth_limit INTEGER DEFAULT 0,
		data_limit INTEGER DEFAULT 0,
		expiry_date TEXT,
		status INTEGER DEFAULT 0,
		enabled INTEGER DEFAULT 1,
		total_rx INTEGER DEFAULT 0,
		total_tx INTEGER DEFAULT 0,
		last_login TEXT,
		note TEXT,
		wg_config TEXT,
		created_at TEXT DEFAULT CURRENT_TIMESTAMP,
		updated_at TEXT DEFAULT CURRENT_TIMESTAMP,
		CHECK(bandwidth_limit >= 0),
		CHECK(data_limit >= 0),
		CHECK(status IN (0, 1)),
		CHECK(enabled IN (0, 1))
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		start_time TEXT NOT NULL,
		end_time TEXT,
		last_update TEXT NOT NULL,
		session_rx INTEGER DEFAULT 0,
		session_tx INTEGER DEFAULT 0,
		login_ip TEXT,
		endpoint_info TEXT,
		status TEXT DEFAULT 'ONLINE',
		duration_seconds INTEGER DEFAULT 0,
		FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE,
		CHECK(status IN ('ONLINE', 'OFFLINE'))
	)`,
	`CREATE TABLE IF NOT EXISTS traffic_stats (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		date TEXT NOT NULL,
		daily_rx INTEGER DEFAULT 0,
		daily_tx INTEGER DEFAULT 0,
		session_count INTEGER DEFAULT 0,
		created_at TEXT DEFAULT CURRENT_TIMESTAMP,
		updated_at TEXT DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE,
		UNIQUE(user_id, date)
	)`,
	`CREATE TABLE IF NOT EXISTS system_stats (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		date TEXT UNIQUE NOT NULL,
		total_users INTEGER DEFAULT 0,
		active_users INTEGER DEFAULT 0,
		total_rx INTEGER DEFAULT 0,
		total_tx INTEGER DEFAULT 0,
		peak_concurrent INTEGER DEFAULT 0,
		avg_session_duration INTEGER DEFAULT 0,
		created_at TEXT DEFAULT CURRENT_TIMESTAMP,
		updated_at TEXT DEFAULT CURRENT_TIMESTAMP
	)`,
}

var indexStatements = []string{
	`CREATE INDEX IF NOT EXISTS idx_events_user_id ON events(user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_events_start_time ON events(start_time DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_events_status ON events(status)`,
	`CREATE INDEX IF NOT EXISTS idx_users_pubkey ON users(peer_pubkey)`,
	`CREATE INDEX IF NOT EXISTS idx_users_status ON users(status, enabled)`,
	`CREATE INDEX IF NOT EXISTS idx_traffic_stats_date ON traffic_stats(date DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_traffic_stats_user_date ON traffic_stats(user_id, date)`,
	`CREATE INDEX IF NOT EXISTS idx_system_stats_date ON system_stats(date DESC)`,
}

func (s *Store) init(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	for _, stmt := range indexStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}
