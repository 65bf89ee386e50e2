package handlers

import "net/http"

func (h *Handler) HandleNotices(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.notices.List())
}

// HandleDismissNotice dismisses a notice. Blocking notices cannot be dismissed.
func (h *Handler) HandleDismissNotice(w http.ResponseWriter, r *http.Request) {
	if err := h.notices.Dismiss(r.PathValue("id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
