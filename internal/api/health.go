package api

import (
	"net/http"

	"github.com/seantiz/vesper/internal/model"
)

// healthResponse reports liveness together with the state of each track, so
// a probe can tell an idle service from one holding engines.
type healthResponse struct {
	Status string                      `json:"status"`
	Tracks map[string]model.TrackState `json:"tracks"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	coord := s.plugin.Coordinator()
	resp := healthResponse{
		Status: "ok",
		Tracks: make(map[string]model.TrackState, len(model.Tracks)),
	}
	for _, track := range model.Tracks {
		resp.Tracks[track.String()] = coord.Status(track).State
	}
	s.writeJSON(w, http.StatusOK, resp)
}
