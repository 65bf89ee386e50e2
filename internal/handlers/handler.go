package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	apperrors "pindrop-sync/internal/errors"
	"pindrop-sync/internal/logging"
	"pindrop-sync/internal/models"
	"pindrop-sync/internal/services"
)

// PinDropper creates and deletes the user's pins.
type PinDropper interface {
	Drop(ctx context.Context, req services.DropRequest) (*models.UploadJob, error)
	Delete(ctx context.Context, pinID string) error
}

// VideoFetcher serves pin videos.
type VideoFetcher interface {
	Fetch(ctx context.Context, pinID string) ([]byte, error)
}

// Uploads is the queue surface the API exposes.
type Uploads interface {
	ListPending(ctx context.Context) ([]models.UploadJob, error)
	ListFailed(ctx context.Context) ([]models.FailedUpload, error)
	RetryFailed(ctx context.Context) (int, error)
	Cancel(ctx context.Context, id string) error
	Resume()
}

// Notices is the notice board the API exposes.
type Notices interface {
	List() []models.Notice
	Dismiss(id string) error
	Blocked() bool
}

type Deps struct {
	Pins     services.PinReader
	Drops    PinDropper
	Videos   VideoFetcher
	Uploads  Uploads
	Notices  Notices
	Identity services.IdentityProvider
	Logger   *slog.Logger
}

type Handler struct {
	pins     services.PinReader
	drops    PinDropper
	videos   VideoFetcher
	uploads  Uploads
	notices  Notices
	identity services.IdentityProvider
	logger   *slog.Logger
}

func New(deps Deps) *Handler {
	return &Handler{
		pins:     deps.Pins,
		drops:    deps.Drops,
		videos:   deps.Videos,
		uploads:  deps.Uploads,
		notices:  deps.Notices,
		identity: deps.Identity,
		logger:   logging.Component(deps.Logger, "http"),
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to encode response", "error", err)
	}
}

// writeError maps engine errors onto HTTP statuses.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperrors.KindOf(err)

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, apperrors.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, apperrors.ErrNotCancellable):
		status = http.StatusConflict
	case errors.Is(err, apperrors.ErrInvalidInput):
		status = http.StatusBadRequest
	case kind == apperrors.KindValidation:
		status = http.StatusUnprocessableEntity
	case kind == apperrors.KindTransient:
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled):
		status = 499
	}

	if status >= 500 {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		h.logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}

	resp := errorResponse{Error: err.Error()}
	if kind != apperrors.KindUnknown {
		resp.Kind = kind.String()
	}
	if status == http.StatusInternalServerError {
		resp.Error = apperrors.ErrInternal.Error()
	}
	h.writeJSON(w, status, resp)
}
