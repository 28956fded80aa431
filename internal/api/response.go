package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/wgmond/wgmond/internal/users"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		s.log.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// writeAdminError maps users manager errors onto the API status taxonomy:
// validation and conflicts are 400, missing rows 404, everything else 500.
func (s *Server) writeAdminError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, users.ErrInvalidPubkey),
		errors.Is(err, users.ErrInvalidEmail),
		errors.Is(err, users.ErrInvalidExpiry),
		errors.Is(err, users.ErrPubkeyExists),
		errors.Is(err, users.ErrIPPoolExhausted):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, users.ErrUserNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) writeSuccess(w http.ResponseWriter, message string) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": message,
	})
}

// decodeBody unmarshals a JSON request body into dst. An empty body is not
// an error; dst keeps its zero value.
func decodeBody(r *http.Request, dst any) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, dst)
}

// userID reads the {id} path segment; on garbage it answers 400 itself and
// reports false.
func (s *Server) userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid user ID")
		return 0, false
	}
	return id, true
}

// intParam reads an integer query parameter, falling back to def when the
// parameter is absent or not a number.
func intParam(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func strParam(r *http.Request, key, def string) string {
	if v := r.URL.Query().Get(key); v != "" {
		return v
	}
	return def
}
