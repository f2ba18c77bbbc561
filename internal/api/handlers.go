package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"filestream/internal/gateway"
	"filestream/internal/observability/logging"
	"filestream/internal/render"
)

// HealthCheck is a dependency the health endpoint probes.
type HealthCheck struct {
	Component string
	Ping      func(ctx context.Context) error
}

type Handler struct {
	Gateway  *gateway.Gateway
	Renderer *render.Renderer
	Logger   *slog.Logger
	Version  string
	Checks   []HealthCheck

	startedAt time.Time
	now       func() time.Time
	token     func() string
}

// NewHandler wires the HTTP handlers around gw. The uptime clock starts now.
func NewHandler(gw *gateway.Gateway, renderer *render.Renderer, logger *slog.Logger, version string) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Gateway:   gw,
		Renderer:  renderer,
		Logger:    logging.WithComponent(logger, "api"),
		Version:   version,
		startedAt: time.Now(),
		now:       time.Now,
		token:     randomToken,
	}
}

func (h *Handler) requestLogger(r *http.Request) *slog.Logger {
	return logging.WithContext(r.Context(), h.Logger)
}

type statusResponse struct {
	ServerStatus  string    `json:"server_status"`
	Uptime        string    `json:"uptime"`
	TelegramBot   string    `json:"telegram_bot"`
	ConnectedBots int       `json:"connected_bots"`
	Loads         loadTable `json:"loads"`
	Version       string    `json:"version"`
}

// loadTable marshals as a JSON object whose keys keep the snapshot order.
type loadTable []gateway.HandleLoad

func (t loadTable) MarshalJSON() ([]byte, error) {
	var b strings.Builder
	b.WriteByte('{')
	for i, row := range t {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%q:%d", row.Handle.Label(), row.Streams)
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}

// Status reports uptime, pool identity and per-backend load. The loads keys
// name backends (bot1 is the first backend of the pool), listed busiest first,
// so a key does not encode a position in that order.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	status := h.Gateway.Status()
	writeJSON(w, http.StatusOK, statusResponse{
		ServerStatus:  "running",
		Uptime:        readableDuration(h.now().Sub(h.startedAt)),
		TelegramBot:   "@" + status.Identity,
		ConnectedBots: status.Connected,
		Loads:         loadTable(status.Loads),
		Version:       h.Version,
	})
}

// Health probes every registered dependency.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	components, overall, code := h.componentHealth(r.Context())
	writeJSON(w, code, map[string]interface{}{
		"status":     overall,
		"components": components,
	})
}

// readableDuration renders d as "2 days, 3h: 4m: 5s", dropping leading zero
// units.
func readableDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	days := total / 86400
	hours := total % 86400 / 3600
	minutes := total % 3600 / 60
	seconds := total % 60

	var parts []string
	if hours > 0 || days > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if minutes > 0 || len(parts) > 0 {
		parts = append(parts, fmt.Sprintf("%dm", minutes))
	}
	parts = append(parts, fmt.Sprintf("%ds", seconds))
	readable := strings.Join(parts, ": ")
	if days > 0 {
		readable = fmt.Sprintf("%d days, %s", days, readable)
	}
	return readable
}
