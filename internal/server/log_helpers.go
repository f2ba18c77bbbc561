package server

import (
	"log/slog"
	"net"
	"net/http"
	"strings"

	"filestream/internal/observability/logging"
)

// loggerWithRequestContext prefers the request scoped logger installed by the
// request id middleware.
func loggerWithRequestContext(r *http.Request, base *slog.Logger) *slog.Logger {
	if logger := logging.LoggerFromContext(r.Context()); logger != nil {
		return logger
	}
	return logging.WithContext(r.Context(), base)
}

// clientIPResolver derives the client address used as the rate limit key.
// Forwarding headers are only honoured behind a trusted proxy.
type clientIPResolver struct {
	trustProxy bool
}

func (c clientIPResolver) resolve(r *http.Request) string {
	if c.trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
			return xrip
		}
	}
	return hostOnly(r.RemoteAddr)
}

func hostOnly(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
