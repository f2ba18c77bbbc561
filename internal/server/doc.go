// Package server exposes the gateway over HTTP.
//
// Every request passes the same chain: request id, access log, metrics,
// security headers, CORS and rate limiting, before the mux dispatches it to
// the status, health, metrics, watch or media handler.
package server
