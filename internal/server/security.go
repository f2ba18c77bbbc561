package server

import (
	"net/http"
	"strings"
)

const (
	defaultFrameAncestors     = "'self'"
	defaultReferrerPolicy     = "no-referrer"
	defaultContentTypeOptions = "nosniff"
)

// SecurityConfig controls the hardening headers sent with every response.
// MediaSources extends the watch page's media-src beyond 'self', for example
// with a CDN origin in front of the gateway.
type SecurityConfig struct {
	FrameAncestors     string
	ReferrerPolicy     string
	ContentTypeOptions string
	MediaSources       []string
}

func (cfg SecurityConfig) withDefaults() SecurityConfig {
	if strings.TrimSpace(cfg.FrameAncestors) == "" {
		cfg.FrameAncestors = defaultFrameAncestors
	}
	if cfg.ReferrerPolicy == "" {
		cfg.ReferrerPolicy = defaultReferrerPolicy
	}
	if cfg.ContentTypeOptions == "" {
		cfg.ContentTypeOptions = defaultContentTypeOptions
	}
	return cfg
}

// contentSecurityPolicy locks the watch page down to its own media and the
// inline stylesheet of the template.
func (cfg SecurityConfig) contentSecurityPolicy() string {
	media := append([]string{"'self'"}, cfg.MediaSources...)
	return "default-src 'none'; " +
		"media-src " + strings.Join(media, " ") + "; " +
		"img-src 'self' data:; " +
		"style-src 'unsafe-inline'; " +
		"base-uri 'none'; " +
		"form-action 'none'; " +
		"frame-ancestors " + cfg.FrameAncestors
}

func securityHeadersMiddleware(cfg SecurityConfig, next http.Handler) http.Handler {
	effective := cfg.withDefaults()
	csp := effective.contentSecurityPolicy()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := w.Header()
		header.Set("Content-Security-Policy", csp)
		header.Set("X-Content-Type-Options", effective.ContentTypeOptions)
		header.Set("Referrer-Policy", effective.ReferrerPolicy)
		next.ServeHTTP(w, r)
	})
}
