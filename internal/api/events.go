package api

import (
	"net/http"

	"github.com/wgmond/wgmond/internal/store"
)

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	rows, err := s.cfg.Store.LatestEvents(r.Context())
	if err != nil {
		s.log.Error("failed to load latest events", "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	views := make([]eventView, 0, len(rows))
	for _, row := range rows {
		views = append(views, newEventView(row))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": views})
}

type historyResponse struct {
	Events     []historyEventView `json:"events"`
	Pagination pagination         `json:"pagination"`
	Filters    historyFilters     `json:"filters"`
}

type historyFilters struct {
	UserID *int64 `json:"user_id"`
	Status string `json:"status"`
}

func (s *Server) handleEventsHistory(w http.ResponseWriter, r *http.Request) {
	page := max(intParam(r, "page", 1), 1)
	perPage := min(max(intParam(r, "per_page", 50), 1), 100)
	userID := int64(intParam(r, "user_id", 0))
	status := strParam(r, "status", "all")
	s.log.Debug("[/api/events/history]", "page", page, "perPage", perPage, "userID", userID, "status", status)

	rows, total, err := s.cfg.Store.EventsHistory(r.Context(), store.HistoryParams{
		Page:    page,
		PerPage: perPage,
		UserID:  userID,
		Status:  status,
	})
	if err != nil {
		s.log.Error("failed to load event history", "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	views := make([]historyEventView, 0, len(rows))
	for _, row := range rows {
		views = append(views, newHistoryEventView(row))
	}

	filters := historyFilters{Status: status}
	if userID != 0 {
		filters.UserID = &userID
	}

	s.writeJSON(w, http.StatusOK, historyResponse{
		Events:     views,
		Pagination: paginate(page, perPage, total),
		Filters:    filters,
	})
}
