package router

import (
	"net/http"

	"pindrop-sync/internal/handlers"
)

// Setup configures and returns the HTTP router with all application routes.
// metrics may be nil.
func Setup(h *handlers.Handler, metrics http.Handler) http.Handler {
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Pins
	mux.HandleFunc("GET /pins", h.HandlePins)
	mux.HandleFunc("POST /pins", h.HandleDropPin)
	mux.HandleFunc("DELETE /pins/{id}", h.HandleDeletePin)
	mux.HandleFunc("GET /pins/{id}/video", h.HandlePinVideo)

	// Upload queue
	mux.HandleFunc("GET /uploads", h.HandlePendingUploads)
	mux.HandleFunc("DELETE /uploads/{id}", h.HandleCancelUpload)
	mux.HandleFunc("GET /uploads/failed", h.HandleFailedUploads)
	mux.HandleFunc("POST /uploads/failed/retry", h.HandleRetryFailed)

	// Notices and platform events
	mux.HandleFunc("GET /notices", h.HandleNotices)
	mux.HandleFunc("DELETE /notices/{id}", h.HandleDismissNotice)
	mux.HandleFunc("POST /connectivity", h.HandleConnectivity)

	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}

	return mux
}
