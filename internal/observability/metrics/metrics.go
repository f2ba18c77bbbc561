package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

type backendLabel struct {
	backend string
	result  string
}

// Recorder aggregates in-memory counters for HTTP requests, media streams,
// backend chunk fetches and rejected links, and renders them in the
// Prometheus text format. It satisfies gateway.Observer.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	streams         map[backendLabel]uint64
	streamBytes     map[string]uint64
	backendActive   map[string]int64
	chunks          map[backendLabel]uint64
	chunkBytes      map[string]uint64
	rejectedLinks   map[string]uint64
	activeStreams   atomic.Int64
}

var defaultRecorder = New()

// New returns an empty Recorder.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		streams:         make(map[backendLabel]uint64),
		streamBytes:     make(map[string]uint64),
		backendActive:   make(map[string]int64),
		chunks:          make(map[backendLabel]uint64),
		chunkBytes:      make(map[string]uint64),
		rejectedLinks:   make(map[string]uint64),
	}
}

// Default returns the process-wide recorder used by the package helpers.
func Default() *Recorder {
	return defaultRecorder
}

// SetDefault replaces the process-wide recorder. A nil recorder is ignored.
func SetDefault(r *Recorder) {
	if r != nil {
		defaultRecorder = r
	}
}

// ObserveRequest counts one request under its method, normalized path and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// StreamStarted marks a stream as in flight on backend.
func (r *Recorder) StreamStarted(backend string) {
	backend = normalizeName(backend)
	r.activeStreams.Add(1)
	r.mu.Lock()
	r.streams[backendLabel{backend: backend, result: "started"}]++
	r.backendActive[backend]++
	r.mu.Unlock()
}

// StreamFinished records the outcome and byte count of a stream started with
// StreamStarted.
func (r *Recorder) StreamFinished(backend string, bytes int64, err error) {
	backend = normalizeName(backend)
	decrementGauge(&r.activeStreams)
	r.mu.Lock()
	r.streams[backendLabel{backend: backend, result: streamResult(err)}]++
	if bytes > 0 {
		r.streamBytes[backend] += uint64(bytes)
	}
	if r.backendActive[backend] > 0 {
		r.backendActive[backend]--
	}
	r.mu.Unlock()
}

// ChunkFetched counts one backend chunk fetch.
func (r *Recorder) ChunkFetched(backend string, bytes int, err error) {
	backend = normalizeName(backend)
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.mu.Lock()
	r.chunks[backendLabel{backend: backend, result: result}]++
	if bytes > 0 {
		r.chunkBytes[backend] += uint64(bytes)
	}
	r.mu.Unlock()
}

// LinkRejected counts a request refused before streaming, labelled by error
// kind.
func (r *Recorder) LinkRejected(kind string) {
	r.mu.Lock()
	r.rejectedLinks[normalizeName(kind)]++
	r.mu.Unlock()
}

func streamResult(err error) string {
	switch {
	case err == nil:
		return "completed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "aborted"
	default:
		return "failed"
	}
}

// ActiveStreams reports the number of streams currently in flight.
func (r *Recorder) ActiveStreams() int64 {
	return r.activeStreams.Load()
}

// BackendActive reports the in-flight streams per backend label.
func (r *Recorder) BackendActive() map[string]int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int64, len(r.backendActive))
	for backend, n := range r.backendActive {
		out[backend] = n
	}
	return out
}

// Reset drops every recorded value.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.streams = make(map[backendLabel]uint64)
	r.streamBytes = make(map[string]uint64)
	r.backendActive = make(map[string]int64)
	r.chunks = make(map[backendLabel]uint64)
	r.chunkBytes = make(map[string]uint64)
	r.rejectedLinks = make(map[string]uint64)
	r.activeStreams.Store(0)
}

// Handler serves the Prometheus text exposition of r.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

func writeHeader(w io.Writer, name, kind, help string) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
}

// Write renders every metric with label sets sorted for stable output.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()

	writeHeader(w, "filestream_http_requests_total", "counter", "Total number of HTTP requests processed")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "filestream_http_requests_total{method=%q,path=%q,status=%q} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	writeHeader(w, "filestream_http_request_duration_seconds_sum", "counter", "Cumulative duration of HTTP requests in seconds")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "filestream_http_request_duration_seconds_sum{method=%q,path=%q,status=%q} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	writeHeader(w, "filestream_streams_total", "counter", "Media streams by backend and result")
	for _, label := range sortedBackendLabels(r.streams) {
		fmt.Fprintf(w, "filestream_streams_total{backend=%q,result=%q} %d\n", label.backend, label.result, r.streams[label])
	}

	writeHeader(w, "filestream_stream_bytes_total", "counter", "Bytes delivered to clients by backend")
	for _, backend := range sortedKeys(r.streamBytes) {
		fmt.Fprintf(w, "filestream_stream_bytes_total{backend=%q} %d\n", backend, r.streamBytes[backend])
	}

	writeHeader(w, "filestream_active_streams", "gauge", "Streams currently being delivered")
	fmt.Fprintf(w, "filestream_active_streams %d\n", r.activeStreams.Load())
	for _, backend := range sortedKeys(r.backendActive) {
		fmt.Fprintf(w, "filestream_active_streams{backend=%q} %d\n", backend, r.backendActive[backend])
	}

	writeHeader(w, "filestream_chunk_fetches_total", "counter", "Backend chunk fetches by backend and result")
	for _, label := range sortedBackendLabels(r.chunks) {
		fmt.Fprintf(w, "filestream_chunk_fetches_total{backend=%q,result=%q} %d\n", label.backend, label.result, r.chunks[label])
	}

	writeHeader(w, "filestream_chunk_bytes_total", "counter", "Bytes fetched from backends before trimming")
	for _, backend := range sortedKeys(r.chunkBytes) {
		fmt.Fprintf(w, "filestream_chunk_bytes_total{backend=%q} %d\n", backend, r.chunkBytes[backend])
	}

	writeHeader(w, "filestream_rejected_links_total", "counter", "Requests refused before streaming by error kind")
	for _, kind := range sortedKeys(r.rejectedLinks) {
		fmt.Fprintf(w, "filestream_rejected_links_total{kind=%q} %d\n", kind, r.rejectedLinks[kind])
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func sortedBackendLabels(m map[backendLabel]uint64) []backendLabel {
	labels := make([]backendLabel, 0, len(m))
	for label := range m {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].backend != labels[j].backend {
			return labels[i].backend < labels[j].backend
		}
		return labels[i].result < labels[j].result
	})
	return labels
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// normalizePath collapses media links to a bounded label set: the first
// segment that looks like a file reference becomes ":id" and anything after
// it, such as a display filename, is dropped.
func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i, part := range parts {
		if looksLikeIdentifier(part) {
			parts = append(parts[:i], ":id")
			break
		}
	}
	return "/" + strings.Join(parts, "/")
}

// looksLikeIdentifier reports whether segment carries a file id. Route names
// contain no digits; every media link does.
func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 24 {
		return true
	}
	return strings.ContainsAny(segment, "0123456789")
}

func decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest records on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// Handler serves the default recorder.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
