package api

import (
	"fmt"
	"io"
	"net/http"

	"github.com/wgmond/wgmond/internal/store"
	"github.com/wgmond/wgmond/internal/users"
)

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	rows, err := s.cfg.Store.Users(r.Context())
	if err != nil {
		s.log.Error("failed to list users", "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rows == nil {
		rows = []store.User{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"users": rows})
}

type managementResponse struct {
	Users      []managementUser  `json:"users"`
	Pagination pagination        `json:"pagination"`
	Filters    managementFilters `json:"filters"`
}

type managementFilters struct {
	Search string `json:"search"`
	Status string `json:"status"`
}

func (s *Server) handleUserManagement(w http.ResponseWriter, r *http.Request) {
	page := max(intParam(r, "page", 1), 1)
	perPage := min(max(intParam(r, "per_page", 50), 1), 100)
	search := r.URL.Query().Get("search")
	status := strParam(r, "status", "all")
	s.log.Debug("[/api/users/management]", "page", page, "perPage", perPage, "search", search, "status", status)

	rows, total, err := s.cfg.Store.ManagementPage(r.Context(), store.ManagementParams{
		Page:    page,
		PerPage: perPage,
		Search:  search,
		Status:  status,
	})
	if err != nil {
		s.log.Error("failed to load user management page", "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	formatted := make([]managementUser, 0, len(rows))
	for _, row := range rows {
		formatted = append(formatted, newManagementUser(row))
	}

	s.writeJSON(w, http.StatusOK, managementResponse{
		Users:      formatted,
		Pagination: paginate(page, perPage, total),
		Filters:    managementFilters{Search: search, Status: status},
	})
}

type createRequest struct {
	PeerPubkey     string  `json:"peer_pubkey"`
	Nickname       *string `json:"nickname"`
	Mail           *string `json:"mail"`
	Phone          *string `json:"phone"`
	BandwidthLimit int64   `json:"bandwidth_limit"`
	DataLimit      int64   `json:"data_limit"`
	ExpiryDate     *string `json:"expiry_date"`
	Note           *string `json:"note"`
}

type createResponse struct {
	Status            string `json:"status"`
	Message           string `json:"message"`
	UserID            int64  `json:"user_id"`
	ClientIP          string `json:"client_ip"`
	ConfigDownloadURL string `json:"config_download_url"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON data")
		return
	}
	if req.PeerPubkey == "" {
		s.writeError(w, http.StatusBadRequest, "Missing required fields: peer_pubkey")
		return
	}

	res, err := s.cfg.Users.Create(r.Context(), users.CreateParams{
		PeerPubkey:     req.PeerPubkey,
		Nickname:       req.Nickname,
		Mail:           req.Mail,
		Phone:          req.Phone,
		BandwidthLimit: req.BandwidthLimit,
		DataLimit:      req.DataLimit,
		ExpiryDate:     req.ExpiryDate,
		Note:           req.Note,
	})
	if err != nil {
		s.writeAdminError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, createResponse{
		Status:            "success",
		Message:           "User created and added to WireGuard",
		UserID:            res.UserID,
		ClientIP:          res.ClientIP,
		ConfigDownloadURL: fmt.Sprintf("/api/users/%d/config", res.UserID),
	})
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	id, ok := s.userID(w, r)
	if !ok {
		return
	}

	var fields map[string]any
	if err := decodeBody(r, &fields); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON data")
		return
	}

	if err := s.cfg.Users.Update(r.Context(), id, fields); err != nil {
		s.writeAdminError(w, err)
		return
	}
	s.writeSuccess(w, "User updated")
}

func (s *Server) handleUserAction(w http.ResponseWriter, r *http.Request) {
	id, ok := s.userID(w, r)
	if !ok {
		return
	}
	action := r.PathValue("action")
	s.log.Debug("[/api/users/{id}/{action}]", "userID", id, "action", action)

	switch action {
	case "enable":
		if err := s.cfg.Users.Enable(r.Context(), id); err != nil {
			s.writeAdminError(w, err)
			return
		}
		s.writeSuccess(w, "User enabled")
	case "disable":
		if err := s.cfg.Users.Disable(r.Context(), id); err != nil {
			s.writeAdminError(w, err)
			return
		}
		s.writeSuccess(w, "User disabled")
	case "reset":
		if err := s.cfg.Users.ResetTraffic(r.Context(), id); err != nil {
			s.writeAdminError(w, err)
			return
		}
		s.writeSuccess(w, "User traffic reset")
	case "kick":
		if s.cfg.Users.Kick(r.Context(), id) {
			s.writeSuccess(w, "User kicked")
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{
			"status":  "info",
			"message": "User is not online",
		})
	default:
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown action: %s", action))
	}
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id, ok := s.userID(w, r)
	if !ok {
		return
	}
	if err := s.cfg.Users.Delete(r.Context(), id); err != nil {
		s.writeAdminError(w, err)
		return
	}
	s.writeSuccess(w, "User deleted")
}

func (s *Server) handleUserConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := s.userID(w, r)
	if !ok {
		return
	}

	u, err := s.cfg.Store.UserByID(r.Context(), id)
	if err != nil {
		s.log.Error("failed to load user", "userID", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if u == nil {
		s.writeError(w, http.StatusNotFound, "User not found")
		return
	}
	if u.WGConfig == nil || *u.WGConfig == "" {
		s.writeError(w, http.StatusNotFound, "No configuration available for this user")
		return
	}

	name := fmt.Sprintf("user-%d", id)
	if u.Nickname != nil && *u.Nickname != "" {
		name = *u.Nickname
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "wg-"+name+".conf"))
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, *u.WGConfig); err != nil {
		s.log.Error("failed to write config download", "userID", id, "error", err)
	}
}
