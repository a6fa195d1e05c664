package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/vesper/internal/coordinator"
	"github.com/seantiz/vesper/internal/protocol"
)

const maxBodySize = 1 << 20 // 1 MB

// methodResponse is the JSON response for POST /v1/methods/{method}.
type methodResponse struct {
	Result any `json:"result"`
}

func (s *Server) handleMethodCall(w http.ResponseWriter, r *http.Request) {
	method := chi.URLParam(r, "method")

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	var args json.RawMessage
	if len(body) > 0 {
		if !json.Valid(body) {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		args = body
	}

	result, err := s.plugin.HandleMainCall(r.Context(), method, args)
	if err != nil {
		s.writeError(w, statusForError(err), err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, methodResponse{Result: result})
}

// statusForError maps relay and coordinator errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, protocol.ErrUnknownMethod):
		return http.StatusNotFound
	case errors.Is(err, protocol.ErrInvalidArgs):
		return http.StatusBadRequest
	case errors.Is(err, coordinator.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, coordinator.ErrEngineStart), errors.Is(err, coordinator.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
