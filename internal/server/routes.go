package server

import (
	"github.com/go-chi/chi/v5"
)

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.health)

	s.router.Route("/v1", func(r chi.Router) {
		r.Post("/frames", s.submitFrame)
		r.Get("/tracks", s.listTracks)
		r.Delete("/tracks/{id}", s.endTrack)
		r.Get("/stats", s.stats)
	})
}
