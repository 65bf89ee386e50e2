package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	apperrors "pindrop-sync/internal/errors"
)

func (h *Handler) HandlePendingUploads(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.uploads.ListPending(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, jobs)
}

// HandleCancelUpload cancels a job that has not started uploading.
func (h *Handler) HandleCancelUpload(w http.ResponseWriter, r *http.Request) {
	if err := h.uploads.Cancel(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleFailedUploads(w http.ResponseWriter, r *http.Request) {
	failed, err := h.uploads.ListFailed(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, failed)
}

// HandleRetryFailed moves every failed upload back onto the queue.
func (h *Handler) HandleRetryFailed(w http.ResponseWriter, r *http.Request) {
	n, err := h.uploads.RetryFailed(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int{"requeued": n})
}

type connectivityRequest struct {
	Online *bool `json:"online"`
}

// HandleConnectivity is called by the platform when the network state
// changes. Coming online wakes the upload worker. An empty body means online.
func (h *Handler) HandleConnectivity(w http.ResponseWriter, r *http.Request) {
	var body connectivityRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1024)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, r, fmt.Errorf("%w: %v", apperrors.ErrInvalidInput, err))
		return
	}

	online := body.Online == nil || *body.Online
	if online {
		h.uploads.Resume()
	}
	h.logger.Info("connectivity changed", "online", online)
	w.WriteHeader(http.StatusNoContent)
}
