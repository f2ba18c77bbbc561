package api

import (
	"io"
	"net/http"
	"strconv"

	"filestream/internal/observability/logging"
)

// Watch renders an HTML player page for the linked file.
func (h *Handler) Watch(w http.ResponseWriter, r *http.Request) {
	file, _, err := h.Gateway.Describe(r.Context(), r.PathValue("path"), r.URL.Query())
	if err != nil {
		h.fail(w, r, "describe file", err)
		return
	}
	r = r.WithContext(logging.ContextWithFileID(r.Context(), strconv.FormatInt(file.ID, 10)))

	page, err := h.Renderer.Render(r.Context(), file)
	if err != nil {
		h.fail(w, r, "render page", err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = io.WriteString(w, page)
}
