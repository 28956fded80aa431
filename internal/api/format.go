package api

import (
	"fmt"

	"github.com/wgmond/wgmond/internal/bytefmt"
	"github.com/wgmond/wgmond/internal/store"
	"github.com/wgmond/wgmond/internal/wg"
)

// View models mirror what the dashboard frontend consumes: raw counters
// paired with *_readable strings, nullable columns coalesced to "" except
// the timestamp fields, which stay null when unset.

type managementUser struct {
	ID                int64   `json:"id"`
	PeerPubkey        string  `json:"peer_pubkey"`
	PeerPubkeyShort   string  `json:"peer_pubkey_short"`
	Nickname          string  `json:"nickname"`
	Mail              string  `json:"mail"`
	Phone             string  `json:"phone"`
	LoginIP           string  `json:"login_ip"`
	Status            int     `json:"status"`
	Enabled           int     `json:"enabled"`
	IsOnline          int     `json:"is_online"`
	TotalRx           int64   `json:"total_rx"`
	TotalTx           int64   `json:"total_tx"`
	TotalRxReadable   string  `json:"total_rx_readable"`
	TotalTxReadable   string  `json:"total_tx_readable"`
	LastLogin         *string `json:"last_login"`
	BandwidthLimit    int64   `json:"bandwidth_limit"`
	DataLimit         int64   `json:"data_limit"`
	ExpiryDate        *string `json:"expiry_date"`
	Note              string  `json:"note"`
	CreatedAt         string  `json:"created_at"`
	UpdatedAt         string  `json:"updated_at"`
	SessionStart      *string `json:"session_start"`
	SessionRx         int64   `json:"session_rx"`
	SessionTx         int64   `json:"session_tx"`
	SessionRxReadable string  `json:"session_rx_readable"`
	SessionTxReadable string  `json:"session_tx_readable"`
}

func newManagementUser(row store.ManagementRow) managementUser {
	return managementUser{
		ID:                row.ID,
		PeerPubkey:        row.PeerPubkey,
		PeerPubkeyShort:   wg.ShortKey(row.PeerPubkey),
		Nickname:          displayName(row.Nickname, row.ID),
		Mail:              strOr(row.Mail),
		Phone:             strOr(row.Phone),
		LoginIP:           strOr(row.SessionLoginIP),
		Status:            row.Status,
		Enabled:           row.Enabled,
		IsOnline:          row.IsOnline,
		TotalRx:           row.TotalRx,
		TotalTx:           row.TotalTx,
		TotalRxReadable:   bytefmt.Bytes(row.TotalRx),
		TotalTxReadable:   bytefmt.Bytes(row.TotalTx),
		LastLogin:         row.LastLogin,
		BandwidthLimit:    row.BandwidthLimit,
		DataLimit:         row.DataLimit,
		ExpiryDate:        row.ExpiryDate,
		Note:              strOr(row.Note),
		CreatedAt:         row.CreatedAt,
		UpdatedAt:         row.UpdatedAt,
		SessionStart:      row.SessionStart,
		SessionRx:         row.SessionRx,
		SessionTx:         row.SessionTx,
		SessionRxReadable: bytefmt.Bytes(row.SessionRx),
		SessionTxReadable: bytefmt.Bytes(row.SessionTx),
	}
}

type eventView struct {
	ID                int64   `json:"id"`
	UserID            int64   `json:"user_id"`
	Nickname          string  `json:"nickname"`
	PeerPubkey        string  `json:"peer_pubkey"`
	StartTime         string  `json:"start_time"`
	EndTime           *string `json:"end_time"`
	LastUpdate        string  `json:"last_update"`
	SessionRx         int64   `json:"session_rx"`
	SessionTx         int64   `json:"session_tx"`
	SessionRxReadable string  `json:"session_rx_readable"`
	SessionTxReadable string  `json:"session_tx_readable"`
	DurationSeconds   int64   `json:"duration_seconds"`
	LoginIP           *string `json:"login_ip"`
	EndpointInfo      *string `json:"endpoint_info"`
	Status            string  `json:"status"`
}

func newEventView(row store.EventUserRow) eventView {
	pubkey := "Unknown"
	if row.PeerPubkey != nil {
		pubkey = wg.ShortKey(*row.PeerPubkey)
	}
	return eventView{
		ID:                row.ID,
		UserID:            row.UserID,
		Nickname:          displayName(row.Nickname, row.UserID),
		PeerPubkey:        pubkey,
		StartTime:         row.StartTime,
		EndTime:           row.EndTime,
		LastUpdate:        row.LastUpdate,
		SessionRx:         row.SessionRx,
		SessionTx:         row.SessionTx,
		SessionRxReadable: bytefmt.Bytes(row.SessionRx),
		SessionTxReadable: bytefmt.Bytes(row.SessionTx),
		DurationSeconds:   row.DurationSeconds,
		LoginIP:           row.LoginIP,
		EndpointInfo:      row.EndpointInfo,
		Status:            row.Status,
	}
}

// historyEventView adds the rendered duration the history table shows.
type historyEventView struct {
	eventView
	DurationReadable string `json:"duration_readable"`
}

func newHistoryEventView(row store.EventUserRow) historyEventView {
	return historyEventView{
		eventView:        newEventView(row),
		DurationReadable: bytefmt.Duration(row.DurationSeconds),
	}
}

type pagination struct {
	CurrentPage int   `json:"current_page"`
	PerPage     int   `json:"per_page"`
	Total       int64 `json:"total"`
	TotalPages  int64 `json:"total_pages"`
	HasNext     bool  `json:"has_next"`
	HasPrev     bool  `json:"has_prev"`
}

func paginate(page, perPage int, total int64) pagination {
	totalPages := (total + int64(perPage) - 1) / int64(perPage)
	return pagination{
		CurrentPage: page,
		PerPage:     perPage,
		Total:       total,
		TotalPages:  totalPages,
		HasNext:     int64(page) < totalPages,
		HasPrev:     page > 1,
	}
}

type chartPoint struct {
	Date             string `json:"date"`
	Upload           int64  `json:"upload"`
	Download         int64  `json:"download"`
	Sessions         int64  `json:"sessions"`
	UploadReadable   string `json:"upload_readable"`
	DownloadReadable string `json:"download_readable"`
}

func newChartPoint(row store.ChartRow) chartPoint {
	return chartPoint{
		Date:             row.Date,
		Upload:           row.TotalTx,
		Download:         row.TotalRx,
		Sessions:         row.TotalSessions,
		UploadReadable:   bytefmt.Bytes(row.TotalTx),
		DownloadReadable: bytefmt.Bytes(row.TotalRx),
	}
}

func displayName(nickname *string, userID int64) string {
	if nickname != nil && *nickname != "" {
		return *nickname
	}
	return fmt.Sprintf("User_%d", userID)
}

func strOr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
