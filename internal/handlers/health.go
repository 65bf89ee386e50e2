package handlers

import "net/http"

// HandleHealth responds to health check requests. The engine reports
// "degraded" while a blocking notice is active.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if h.notices != nil && h.notices.Blocked() {
		status = "degraded"
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": status})
}
