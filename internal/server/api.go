package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/matijazezelj/relgraph/internal/service"
	"github.com/matijazezelj/relgraph/pkg/models"
)

type edgeRequest struct {
	FromUserID string `json:"from_user_id"`
	ToUserID   string `json:"to_user_id"`
}

type listRequest struct {
	UserID string `json:"user_id"`
	Limit  int32  `json:"limit"`
	Offset int32  `json:"offset"`
}

type batchCheckRequest struct {
	FromUserID string   `json:"from_user_id"`
	ToUserIDs  []string `json:"to_user_ids"`
}

type statsRequest struct {
	UserID string `json:"user_id"`
}

type successResponse struct {
	Success bool `json:"success"`
}

type batchCheckResponse struct {
	Results map[string]bool `json:"results"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

// statusFor maps a service error code to an HTTP status.
func statusFor(code service.Code) int {
	switch code {
	case service.CodeInvalidArgument:
		return http.StatusBadRequest
	case service.CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError renders err. Internal causes are logged, not returned.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code := service.CodeOf(err)
	msg := "internal error"
	var se *service.Error
	if errors.As(err, &se) {
		msg = se.Message
	}
	if code == service.CodeInvalidArgument {
		s.logger.Debug("rejected request", "path", r.URL.Path, "error", err)
	} else {
		s.logger.Error("request failed", "path", r.URL.Path, "code", code, "error", err)
	}
	writeError(w, statusFor(code), string(code), msg)
}

// decode reads a JSON body into v, writing the error response on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, string(service.CodeInvalidArgument), "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, string(service.CodeInvalidArgument), "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz is ready while the relational backend answers, whatever the
// state of the graph store.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	h := s.svc.Health(r.Context())
	status := http.StatusOK
	if !h.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func (s *Server) handleMutation(fn mutationFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req edgeRequest
		if !decode(w, r, &req) {
			return
		}
		if err := fn(r.Context(), req.FromUserID, req.ToUserID); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, successResponse{Success: true})
	}
}

func (s *Server) handleCheck(field string, fn checkFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req edgeRequest
		if !decode(w, r, &req) {
			return
		}
		ok, err := fn(r.Context(), req.FromUserID, req.ToUserID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{field: ok})
	}
}

func (s *Server) handleList(fn func(ctx context.Context, userID string, limit, offset int) (*models.EdgePage, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req listRequest
		if !decode(w, r, &req) {
			return
		}
		page, err := fn(r.Context(), req.UserID, int(req.Limit), int(req.Offset))
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		if page.UserIDs == nil {
			page.UserIDs = []string{}
		}
		writeJSON(w, http.StatusOK, page)
	}
}

func (s *Server) handleBatchCheckFollowing(w http.ResponseWriter, r *http.Request) {
	var req batchCheckRequest
	if !decode(w, r, &req) {
		return
	}
	results, err := s.svc.BatchCheckFollowing(r.Context(), req.FromUserID, req.ToUserIDs)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, batchCheckResponse{Results: results})
}

func (s *Server) handleGraphStats(w http.ResponseWriter, r *http.Request) {
	var req statsRequest
	if !decode(w, r, &req) {
		return
	}
	stats, err := s.svc.GetGraphStats(r.Context(), req.UserID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleUnknown(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, string(service.CodeNotFound), "unknown operation "+r.PathValue("op"))
}
