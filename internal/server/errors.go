package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/memento-ai/memento-core/internal/embeddings"
)

type errorResponse struct {
	Error     string `json:"error"`
	Type      string `json:"type"`
	Code      int    `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// statusForError maps engine error kinds to HTTP status codes
func statusForError(err error) int {
	switch {
	case errors.Is(err, embeddings.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, embeddings.ErrNotInitialized):
		return http.StatusServiceUnavailable
	case errors.Is(err, embeddings.ErrIOFailure):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	id := requestID(r.Context())

	resp := errorResponse{
		Error:     err.Error(),
		Type:      "internal",
		RequestID: id,
	}
	if kind := embeddings.KindOf(err); kind != nil {
		resp.Type = kind.Type
		resp.Code = kind.Code
	}

	log := s.logger.WithRequestID(id)
	if status >= http.StatusInternalServerError {
		log.Error("Request failed", zap.Error(err), zap.String("path", r.URL.Path))
	} else {
		log.Debug("Request rejected", zap.Error(err), zap.Int("status", status))
	}
	writeJSON(w, status, resp)
}

// writeJSON writes a JSON response with proper headers
func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
