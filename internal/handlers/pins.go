package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	apperrors "pindrop-sync/internal/errors"
	"pindrop-sync/internal/models"
	"pindrop-sync/internal/services"
)

// DropPinRequest is the body of POST /pins.
type DropPinRequest struct {
	SourcePath       string   `json:"sourcePath"`
	Latitude         float64  `json:"latitude"`
	Longitude        float64  `json:"longitude"`
	Category         string   `json:"category"`
	CurrentLatitude  *float64 `json:"currentLatitude,omitempty"`
	CurrentLongitude *float64 `json:"currentLongitude,omitempty"`
}

// HandlePins lists pins, optionally filtered by ?category= and ?mine=true.
func (h *Handler) HandlePins(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var filter models.PinFilter
	if c := strings.TrimSpace(query.Get("category")); c != "" {
		category, err := models.ParseCategory(c)
		if err != nil {
			h.writeError(w, r, fmt.Errorf("%w: %v", apperrors.ErrInvalidInput, err))
			return
		}
		filter.Category = category
	}
	if m := query.Get("mine"); m != "" {
		mine, err := strconv.ParseBool(m)
		if err != nil {
			h.writeError(w, r, fmt.Errorf("%w: mine must be a boolean", apperrors.ErrInvalidInput))
			return
		}
		filter.MineOnly = mine
		filter.UserID, _ = h.identity.CurrentUserID()
	}

	pins := h.pins.Filter(filter)
	w.Header().Set("Cache-Control", "no-store")
	h.writeJSON(w, http.StatusOK, pins)
}

// HandleDropPin validates a new pin and queues its upload.
func (h *Handler) HandleDropPin(w http.ResponseWriter, r *http.Request) {
	var body DropPinRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&body); err != nil {
		h.writeError(w, r, fmt.Errorf("%w: %v", apperrors.ErrInvalidInput, err))
		return
	}
	if strings.TrimSpace(body.SourcePath) == "" {
		h.writeError(w, r, fmt.Errorf("%w: sourcePath is required", apperrors.ErrInvalidInput))
		return
	}

	req := services.DropRequest{
		SourcePath: body.SourcePath,
		Coordinate: models.Coordinate{Lat: body.Latitude, Lon: body.Longitude},
		Category:   body.Category,
	}
	if body.CurrentLatitude != nil && body.CurrentLongitude != nil {
		req.CurrentLocation = &models.Coordinate{Lat: *body.CurrentLatitude, Lon: *body.CurrentLongitude}
	}

	job, err := h.drops.Drop(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, job)
}

// HandleDeletePin removes one of the user's own pins.
func (h *Handler) HandleDeletePin(w http.ResponseWriter, r *http.Request) {
	if err := h.drops.Delete(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandlePinVideo streams a pin's video from the playback cache, downloading
// it first when needed. Range requests are honoured.
func (h *Handler) HandlePinVideo(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	data, err := h.videos.Fetch(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Cache-Control", "private, max-age=3600")
	http.ServeContent(w, r, id+".mp4", time.Time{}, bytes.NewReader(data))
}
