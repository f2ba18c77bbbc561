package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode log entry %q: %v", buf.String(), err)
	}
	return payload
}

func TestNewWritesJSONByDefault(t *testing.T) {
	var buf bytes.Buffer
	New(Config{Writer: &buf}).Info("hello", "answer", 42)

	payload := decode(t, &buf)
	if payload["msg"] != "hello" {
		t.Fatalf("expected msg hello, got %v", payload["msg"])
	}
	if payload["answer"] != float64(42) {
		t.Fatalf("expected answer 42, got %v", payload["answer"])
	}
}

func TestNewTextFormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf, Format: " TEXT ", Level: "warn"})
	logger.Info("dropped")
	logger.Warn("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Fatalf("expected info record to be filtered, got %q", out)
	}
	if !strings.Contains(out, "msg=kept") {
		t.Fatalf("expected text record, got %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		input string
		want  slog.Level
	}{
		{input: "debug", want: slog.LevelDebug},
		{input: "warning", want: slog.LevelWarn},
		{input: "warn", want: slog.LevelWarn},
		{input: "error", want: slog.LevelError},
		{input: "info", want: slog.LevelInfo},
		{input: "", want: slog.LevelInfo},
		{input: "verbose", want: slog.LevelInfo},
		{input: " DeBuG ", want: slog.LevelDebug},
	}
	for _, tc := range cases {
		t.Run(tc.input, func(t *testing.T) {
			if got := ParseLevel(tc.input); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	WithComponent(slog.New(slog.NewJSONHandler(&buf, nil)), "gateway").Info("ready")

	if payload := decode(t, &buf); payload["component"] != "gateway" {
		t.Fatalf("expected component gateway, got %v", payload["component"])
	}
	if WithComponent(nil, "gateway") != nil {
		t.Fatalf("expected nil logger to stay nil")
	}
}

func TestContextValues(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), " req-1 ")
	ctx = ContextWithFileID(ctx, "42")
	ctx = ContextWithFileID(ctx, "   ")

	if id, ok := RequestIDFromContext(ctx); !ok || id != "req-1" {
		t.Fatalf("expected request id req-1, got %q", id)
	}
	if id, ok := FileIDFromContext(ctx); !ok || id != "42" {
		t.Fatalf("expected file id 42, got %q", id)
	}
	if _, ok := FileIDFromContext(context.Background()); ok {
		t.Fatalf("expected no file id on empty context")
	}
}

func TestWithContextAnnotatesLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	ctx := ContextWithFileID(ContextWithRequestID(context.Background(), "req-9"), "7")

	WithContext(ctx, logger).Info("hello")

	payload := decode(t, &buf)
	if payload["request_id"] != "req-9" {
		t.Fatalf("expected request_id req-9, got %v", payload["request_id"])
	}
	if payload["file_id"] != "7" {
		t.Fatalf("expected file_id 7, got %v", payload["file_id"])
	}
}

func TestLoggerRoundTripsThroughContext(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
	if got := LoggerFromContext(ContextWithLogger(context.Background(), logger)); got != logger {
		t.Fatalf("expected stored logger, got %v", got)
	}
	if got := LoggerFromContext(context.Background()); got != nil {
		t.Fatalf("expected nil logger, got %v", got)
	}
}

func TestInitSetsDefaultLogger(t *testing.T) {
	original := slog.Default()
	t.Cleanup(func() { slog.SetDefault(original) })

	var buf bytes.Buffer
	logger := Init(Config{Writer: &buf, Format: string(FormatText)})
	if logger != slog.Default() {
		t.Fatalf("expected Init to replace the default logger")
	}
	slog.Info("hello world")
	if !strings.Contains(buf.String(), "hello world") {
		t.Fatalf("expected output to include message, got %q", buf.String())
	}
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	middleware := RequestLogger(RequestLoggerConfig{Logger: logger})

	req := httptest.NewRequest(http.MethodGet, "/abc1231", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	req.Header.Set("Range", "bytes=0-9")
	req = req.WithContext(ContextWithRequestID(req.Context(), "req-3"))

	middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte("0123456789"))
	})).ServeHTTP(httptest.NewRecorder(), req)

	payload := decode(t, &buf)
	if payload["level"] != "INFO" {
		t.Fatalf("expected INFO level, got %v", payload["level"])
	}
	if payload["status"] != float64(http.StatusPartialContent) {
		t.Fatalf("expected status 206, got %v", payload["status"])
	}
	if payload["bytes"] != float64(10) {
		t.Fatalf("expected 10 bytes, got %v", payload["bytes"])
	}
	if payload["range"] != "bytes=0-9" {
		t.Fatalf("expected range to be logged, got %v", payload["range"])
	}
	if payload["remote_addr"] != "127.0.0.1:1234" {
		t.Fatalf("expected remote_addr, got %v", payload["remote_addr"])
	}
	if payload["request_id"] != "req-3" {
		t.Fatalf("expected request_id, got %v", payload["request_id"])
	}
}

func TestRequestLoggerLevels(t *testing.T) {
	cases := []struct {
		name   string
		path   string
		status int
		want   string
	}{
		{name: "quiet path", path: "/healthz", status: http.StatusOK, want: "DEBUG"},
		{name: "server error", path: "/1", status: http.StatusServiceUnavailable, want: "WARN"},
		{name: "quiet path failing", path: "/healthz", status: http.StatusServiceUnavailable, want: "WARN"},
		{name: "client error", path: "/1", status: http.StatusNotFound, want: "INFO"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
			middleware := RequestLogger(RequestLoggerConfig{Logger: logger, Quiet: []string{"/healthz"}, DisableRemoteAddr: true})

			middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			})).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, tc.path, nil))

			payload := decode(t, &buf)
			if payload["level"] != tc.want {
				t.Fatalf("expected %s, got %v", tc.want, payload["level"])
			}
			if _, ok := payload["remote_addr"]; ok {
				t.Fatalf("expected remote_addr to be omitted")
			}
		})
	}
}

func TestRequestLoggerReportsFileIDSetByHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	middleware := RequestLogger(RequestLoggerConfig{Logger: logger, DisableRemoteAddr: true})

	middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r = r.WithContext(ContextWithFileID(r.Context(), "42"))
		if id, _ := FileIDFromContext(r.Context()); id != "42" {
			t.Fatalf("expected file id in handler context, got %q", id)
		}
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/42", nil))

	payload := decode(t, &buf)
	if payload["msg"] != "request completed" {
		t.Fatalf("expected completion record, got %v", payload["msg"])
	}
	if payload["file_id"] != "42" {
		t.Fatalf("expected file_id 42, got %v", payload["file_id"])
	}
}

func TestRequestLoggerOmitsFileIDWhenUnset(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	middleware := RequestLogger(RequestLoggerConfig{Logger: logger, DisableRemoteAddr: true})

	middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	payload := decode(t, &buf)
	if _, ok := payload["file_id"]; ok {
		t.Fatalf("expected no file_id, got %v", payload["file_id"])
	}
}
