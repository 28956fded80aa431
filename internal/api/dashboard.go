package api

import (
	"math"
	"net/http"
	"time"

	"github.com/wgmond/wgmond/internal/bytefmt"
)

type statusResponse struct {
	System    statusSystem `json:"system"`
	Users     statusUsers  `json:"users"`
	Timestamp string       `json:"timestamp"`
}

type statusSystem struct {
	Interface       string `json:"interface"`
	Status          string `json:"status"`
	MaxHandshakeAge int    `json:"max_handshake_age"`
	Monitoring      bool   `json:"monitoring"`
}

type statusUsers struct {
	Total          int64 `json:"total"`
	Online         int64 `json:"online"`
	ActiveSessions int   `json:"active_sessions"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	total, err := s.cfg.Store.EnabledUserCount(r.Context())
	if err != nil {
		s.log.Error("failed to count enabled users", "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	online, err := s.cfg.Store.OnlineUserCount(r.Context())
	if err != nil {
		s.log.Error("failed to count online users", "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	ifaceStatus := "running"
	if err := s.cfg.WG.Status(r.Context()); err != nil {
		s.log.Debug("interface status check failed", "error", err)
		ifaceStatus = "error"
	}

	s.writeJSON(w, http.StatusOK, statusResponse{
		System: statusSystem{
			Interface:       s.cfg.WG.Name(),
			Status:          ifaceStatus,
			MaxHandshakeAge: int(s.cfg.MaxHandshakeAge.Seconds()),
			Monitoring:      true,
		},
		Users: statusUsers{
			Total:          total,
			Online:         online,
			ActiveSessions: s.cfg.Engine.LiveCount(),
		},
		Timestamp: s.cfg.Clock.Now().Format(time.DateTime),
	})
}

type dashboardResponse struct {
	Summary dashboardSummary `json:"summary"`
	Traffic dashboardTraffic `json:"traffic"`
}

type dashboardSummary struct {
	RegisteredUsers int64   `json:"registered_users"`
	EnabledUsers    int64   `json:"enabled_users"`
	OnlineUsers     int64   `json:"online_users"`
	ActiveSessions  int     `json:"active_sessions"`
	UptimeHours     float64 `json:"uptime_hours"`
	UptimeReadable  string  `json:"uptime_readable"`
}

type dashboardTraffic struct {
	TotalUpload      string `json:"total_upload"`
	TotalDownload    string `json:"total_download"`
	TodayUpload      string `json:"today_upload"`
	TodayDownload    string `json:"today_download"`
	TodaySessions    int64  `json:"today_sessions"`
	UploadRaw        int64  `json:"upload_raw"`
	DownloadRaw      int64  `json:"download_raw"`
	TodayUploadRaw   int64  `json:"today_upload_raw"`
	TodayDownloadRaw int64  `json:"today_download_raw"`
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	d, err := s.cfg.Stats.Dashboard(r.Context())
	if err != nil {
		s.log.Error("failed to build dashboard", "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// uptime counts from the first event ever recorded
	var uptimeSeconds int64
	if d.UptimeStart != nil {
		if start, err := time.ParseInLocation(time.DateTime, *d.UptimeStart, time.Local); err == nil {
			uptimeSeconds = int64(s.cfg.Clock.Now().Sub(start).Seconds())
		}
	}

	s.writeJSON(w, http.StatusOK, dashboardResponse{
		Summary: dashboardSummary{
			RegisteredUsers: d.TotalUsers,
			EnabledUsers:    d.EnabledUsers,
			OnlineUsers:     d.OnlineUsers,
			ActiveSessions:  s.cfg.Engine.LiveCount(),
			UptimeHours:     math.Round(float64(uptimeSeconds)/3600*10) / 10,
			UptimeReadable:  bytefmt.Uptime(uptimeSeconds),
		},
		Traffic: dashboardTraffic{
			TotalUpload:      bytefmt.Bytes(d.TotalTx),
			TotalDownload:    bytefmt.Bytes(d.TotalRx),
			TodayUpload:      bytefmt.Bytes(d.TodayTx),
			TodayDownload:    bytefmt.Bytes(d.TodayRx),
			TodaySessions:    d.TodaySessions,
			UploadRaw:        d.TotalTx,
			DownloadRaw:      d.TotalRx,
			TodayUploadRaw:   d.TodayTx,
			TodayDownloadRaw: d.TodayRx,
		},
	})
}

type chartResponse struct {
	Data   []chartPoint `json:"data"`
	Period chartPeriod  `json:"period"`
}

type chartPeriod struct {
	Days      int     `json:"days"`
	StartDate *string `json:"start_date"`
	EndDate   *string `json:"end_date"`
}

func (s *Server) handleTrafficChart(w http.ResponseWriter, r *http.Request) {
	days := min(max(intParam(r, "days", 7), 1), 365)
	s.log.Debug("[/api/traffic/chart]", "days", days)

	rows, err := s.cfg.Stats.Chart(r.Context(), days)
	if err != nil {
		s.log.Error("failed to load chart data", "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	points := make([]chartPoint, 0, len(rows))
	for _, row := range rows {
		points = append(points, newChartPoint(row))
	}

	period := chartPeriod{Days: days}
	if len(points) > 0 {
		period.StartDate = &points[0].Date
		period.EndDate = &points[len(points)-1].Date
	}

	s.writeJSON(w, http.StatusOK, chartResponse{Data: points, Period: period})
}
