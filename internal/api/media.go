package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"filestream/internal/gateway"
	"filestream/internal/observability/logging"
)

// Media streams the file named by the request path, honouring Range.
func (h *Handler) Media(w http.ResponseWriter, r *http.Request) {
	path := r.PathValue("path")
	stream, err := h.Gateway.Open(r.Context(), gateway.Request{
		Path:     path,
		Query:    r.URL.Query(),
		Range:    r.Header.Get("Range"),
		HeadOnly: r.Method == http.MethodHead,
	})
	if err != nil {
		h.fail(w, r, "open stream", err)
		return
	}
	defer stream.Close()

	ctx := logging.ContextWithFileID(r.Context(), strconv.FormatInt(stream.File.ID, 10))
	r = r.WithContext(ctx)

	header := w.Header()
	header.Set("Content-Type", stream.File.ContentType())
	header.Set("Content-Disposition", contentDisposition(downloadName(stream.File, h.token)))
	header.Set("Accept-Ranges", "bytes")
	if stream.File.Size > 0 {
		rng := stream.Range
		header.Set("Range", fmt.Sprintf("bytes=%d-%d", rng.From, rng.Until))
		header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rng.From, rng.Until, stream.File.Size))
	}

	status := http.StatusOK
	if stream.Partial {
		status = http.StatusPartialContent
	} else {
		header.Set("Content-Length", strconv.FormatInt(stream.Length(), 10))
	}
	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return
	}

	if _, err := stream.WriteTo(w); err != nil {
		h.logStreamError(r, err)
	}
}

// fail writes the error response for a request whose headers have not been
// sent yet.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	kind := gateway.KindOf(err)
	logger := h.requestLogger(r)
	switch kind {
	case gateway.TransientIO:
		logger.Warn("ignored transient error", "op", op, "error", err)
	case gateway.Unexpected:
		logger.Error("unexpected error", "op", op, "path", r.URL.Path, "error", err)
	default:
		logger.Debug("request rejected", "op", op, "kind", kind.String(), "error", err)
	}

	var rangeErr *gateway.RangeError
	if errors.As(err, &rangeErr) {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", rangeErr.Size))
	}
	writeError(w, kind.HTTPStatus(), publicError(kind, err))
}

func (h *Handler) logStreamError(r *http.Request, err error) {
	logger := h.requestLogger(r)
	if gateway.KindOf(err) == gateway.TransientIO {
		logger.Warn("stream aborted", "error", err)
		return
	}
	logger.Error("stream failed", "path", r.URL.Path, "error", err)
}

func publicError(kind gateway.Kind, err error) error {
	switch kind {
	case gateway.BadRequest:
		return err
	case gateway.InvalidLink:
		return errors.New("invalid link")
	case gateway.NotFound:
		return errors.New("file not found")
	case gateway.RangeNotSatisfiable:
		return errors.New("requested range not satisfiable")
	case gateway.TransientIO:
		return errors.New("temporary error occurred")
	default:
		return errors.New("internal server error")
	}
}
