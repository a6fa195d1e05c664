package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/vesper/internal/coordinator"
	"github.com/seantiz/vesper/internal/model"
)

// tracksResponse is the JSON response for GET /v1/tracks.
type tracksResponse struct {
	Tracks []coordinator.TrackStatus `json:"tracks"`
}

func (s *Server) handleListTracks(w http.ResponseWriter, _ *http.Request) {
	coord := s.plugin.Coordinator()
	resp := tracksResponse{Tracks: make([]coordinator.TrackStatus, 0, len(model.Tracks))}
	for _, track := range model.Tracks {
		resp.Tracks = append(resp.Tracks, coord.Status(track))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetTrack(w http.ResponseWriter, r *http.Request) {
	track, err := model.ParseTrack(chi.URLParam(r, "track"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "track not found")
		return
	}
	s.writeJSON(w, http.StatusOK, s.plugin.Coordinator().Status(track))
}
