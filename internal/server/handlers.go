package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/andresmejia3/facetag/internal/frame"
	"github.com/andresmejia3/facetag/internal/recognition"
	"github.com/andresmejia3/facetag/internal/types"
	"github.com/go-chi/chi/v5"
)

// maxFrameBody covers a 4K bgr24 frame after base64.
const maxFrameBody = 64 << 20

// FrameRequest is one frame submitted by the pipeline.
type FrameRequest struct {
	Index      int                  `json:"index"`
	Width      int                  `json:"width"`
	Height     int                  `json:"height"`
	Channels   int                  `json:"channels"`
	Pixels     []byte               `json:"pixels"` // base64 in JSON, BGR row-major
	Detections []types.ObjectRecord `json:"detections"`
	Ended      []uint64             `json:"ended,omitempty"`
}

// FrameResponse carries the display text of every detection of the frame.
type FrameResponse struct {
	Index  int                 `json:"index"`
	Labels []types.LabelRecord `json:"labels"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"session": s.sessionID,
		"uptime":  time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func (s *Server) submitFrame(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFrameBody)

	var req FrameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid frame: "+err.Error())
		return
	}
	if req.Channels == 0 {
		req.Channels = 3
	}

	f := &recognition.Frame{
		Index: req.Index,
		Image: &frame.Image{
			Width:    req.Width,
			Height:   req.Height,
			Channels: req.Channels,
			Pix:      req.Pixels,
		},
		Detections: make([]*recognition.Detection, 0, len(req.Detections)),
	}
	for _, d := range req.Detections {
		f.Detections = append(f.Detections, &recognition.Detection{
			TrackID: d.TrackID,
			Label:   d.Label,
			Box:     frame.BoundingBox{X: d.BBox[0], Y: d.BBox[1], Width: d.BBox[2], Height: d.BBox[3]},
		})
	}

	if !f.Image.Valid() {
		respondError(w, http.StatusUnprocessableEntity, recognition.ErrUnmappableBuffer.Error())
		return
	}
	// ProcessBatch also runs the stale-track sweep
	if err := s.processor.ProcessBatch(r.Context(), &recognition.Batch{Frames: []*recognition.Frame{f}}); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	for _, id := range req.Ended {
		s.processor.TrackEnded(id)
	}

	ts := float64(time.Now().UnixNano()) / float64(time.Second)
	resp := FrameResponse{Index: req.Index, Labels: make([]types.LabelRecord, 0, len(f.Detections))}
	for _, d := range f.Detections {
		resp.Labels = append(resp.Labels, types.LabelRecord{
			Frame:       req.Index,
			Timestamp:   ts,
			TrackID:     d.TrackID,
			Label:       d.Label,
			DisplayText: d.DisplayText,
		})
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) listTracks(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.processor.Registry().Snapshot())
}

func (s *Server) endTrack(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid track id")
		return
	}
	if !s.processor.TrackEnded(id) {
		respondError(w, http.StatusNotFound, "track not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.processor.Stats())
}
