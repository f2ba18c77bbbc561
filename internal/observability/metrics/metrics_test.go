package metrics

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestNormalizePath(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{path: "", want: "/"},
		{path: "/", want: "/"},
		{path: "/healthz", want: "/healthz"},
		{path: "/metrics/", want: "/metrics"},
		{path: "/abc1231", want: "/:id"},
		{path: "/1/clip.mp4", want: "/:id"},
		{path: "/watch/abc1231", want: "/watch/:id"},
		{path: "/watch/2/movie.mkv", want: "/watch/:id"},
		{path: "favicon.ico", want: "/favicon.ico"},
		{path: "/thisisaveryverylongsegmentname", want: "/:id"},
	}
	for _, tc := range cases {
		if got := normalizePath(tc.path); got != tc.want {
			t.Errorf("normalizePath(%q): expected %q, got %q", tc.path, tc.want, got)
		}
	}
}

func TestObserveRequestAggregates(t *testing.T) {
	recorder := New()
	recorder.ObserveRequest("get", "/abc1231", 206, 50*time.Millisecond)
	recorder.ObserveRequest("GET", "/xyz9872", 206, 150*time.Millisecond)
	recorder.ObserveRequest("GET", "/", 200, time.Millisecond)

	label := requestLabel{method: "GET", path: "/:id", status: "206"}
	if got := recorder.requestCount[label]; got != 2 {
		t.Fatalf("expected 2 requests, got %d", got)
	}
	if got := recorder.requestDuration[label]; got != 200*time.Millisecond {
		t.Fatalf("expected 200ms, got %s", got)
	}
	labels := recorder.sortedRequestLabels()
	if len(labels) != 2 || labels[0].path != "/" || labels[1].path != "/:id" {
		t.Fatalf("unexpected label order %+v", labels)
	}
}

func TestStreamGaugeConcurrent(t *testing.T) {
	recorder := New()

	var wg sync.WaitGroup
	starts, stops := 100, 150
	wg.Add(starts + stops)
	for i := 0; i < starts; i++ {
		go func() {
			defer wg.Done()
			recorder.StreamStarted("bot1")
		}()
	}
	for i := 0; i < stops; i++ {
		go func() {
			defer wg.Done()
			recorder.StreamFinished("bot1", 10, nil)
		}()
	}
	wg.Wait()

	if active := recorder.ActiveStreams(); active < 0 {
		t.Fatalf("active streams should not go negative; got %d", active)
	}
	if active := recorder.BackendActive()["bot1"]; active < 0 {
		t.Fatalf("backend gauge should not go negative; got %d", active)
	}
	if got := recorder.streams[backendLabel{backend: "bot1", result: "started"}]; got != uint64(starts) {
		t.Fatalf("expected %d starts, got %d", starts, got)
	}
	if got := recorder.streamBytes["bot1"]; got != uint64(stops*10) {
		t.Fatalf("expected %d bytes, got %d", stops*10, got)
	}
}

func TestStreamResult(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{err: nil, want: "completed"},
		{err: context.Canceled, want: "aborted"},
		{err: errors.Join(errors.New("write"), context.DeadlineExceeded), want: "aborted"},
		{err: errors.New("boom"), want: "failed"},
	}
	for _, tc := range cases {
		if got := streamResult(tc.err); got != tc.want {
			t.Fatalf("expected %q for %v, got %q", tc.want, tc.err, got)
		}
	}
}

func TestWriteAndHandlerOutput(t *testing.T) {
	recorder := New()

	recorder.ObserveRequest("GET", "/abc1231", 206, 150*time.Millisecond)
	recorder.ObserveRequest("get", "/xyz9872/", 206, 50*time.Millisecond)
	recorder.ObserveRequest("GET", "/healthz", 200, time.Second)

	recorder.StreamStarted("bot1")
	recorder.StreamStarted("bot2")
	recorder.StreamFinished("bot1", 100, nil)
	recorder.StreamStarted("bot1")
	recorder.StreamFinished("bot1", 40, context.Canceled)

	recorder.ChunkFetched("bot1", 64, nil)
	recorder.ChunkFetched("bot1", 64, nil)
	recorder.ChunkFetched("bot2", 0, errors.New("timeout"))

	recorder.LinkRejected("invalid_link")
	recorder.LinkRejected("not_found")
	recorder.LinkRejected("invalid_link")

	var buf bytes.Buffer
	recorder.Write(&buf)

	expected := `# HELP filestream_http_requests_total Total number of HTTP requests processed
# TYPE filestream_http_requests_total counter
filestream_http_requests_total{method="GET",path="/:id",status="206"} 2
filestream_http_requests_total{method="GET",path="/healthz",status="200"} 1
# HELP filestream_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds
# TYPE filestream_http_request_duration_seconds_sum counter
filestream_http_request_duration_seconds_sum{method="GET",path="/:id",status="206"} 0.200000
filestream_http_request_duration_seconds_sum{method="GET",path="/healthz",status="200"} 1.000000
# HELP filestream_streams_total Media streams by backend and result
# TYPE filestream_streams_total counter
filestream_streams_total{backend="bot1",result="aborted"} 1
filestream_streams_total{backend="bot1",result="completed"} 1
filestream_streams_total{backend="bot1",result="started"} 2
filestream_streams_total{backend="bot2",result="started"} 1
# HELP filestream_stream_bytes_total Bytes delivered to clients by backend
# TYPE filestream_stream_bytes_total counter
filestream_stream_bytes_total{backend="bot1"} 140
# HELP filestream_active_streams Streams currently being delivered
# TYPE filestream_active_streams gauge
filestream_active_streams 1
filestream_active_streams{backend="bot1"} 0
filestream_active_streams{backend="bot2"} 1
# HELP filestream_chunk_fetches_total Backend chunk fetches by backend and result
# TYPE filestream_chunk_fetches_total counter
filestream_chunk_fetches_total{backend="bot1",result="ok"} 2
filestream_chunk_fetches_total{backend="bot2",result="error"} 1
# HELP filestream_chunk_bytes_total Bytes fetched from backends before trimming
# TYPE filestream_chunk_bytes_total counter
filestream_chunk_bytes_total{backend="bot1"} 128
# HELP filestream_rejected_links_total Requests refused before streaming by error kind
# TYPE filestream_rejected_links_total counter
filestream_rejected_links_total{kind="invalid_link"} 2
filestream_rejected_links_total{kind="not_found"} 1`

	if diff := compareLines(buf.String(), expected); diff != "" {
		t.Fatalf("unexpected write output:\n%s", diff)
	}

	res := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(res, httptest.NewRequest("GET", "/metrics", nil))
	if contentType := res.Result().Header.Get("Content-Type"); !strings.HasPrefix(contentType, "text/plain") {
		t.Fatalf("unexpected content type: %s", contentType)
	}
	if diff := compareLines(res.Body.String(), expected); diff != "" {
		t.Fatalf("unexpected handler output:\n%s", diff)
	}
}

func TestReset(t *testing.T) {
	recorder := New()
	recorder.StreamStarted("bot1")
	recorder.LinkRejected("bad_request")
	recorder.Reset()

	if recorder.ActiveStreams() != 0 {
		t.Fatalf("expected gauge reset, got %d", recorder.ActiveStreams())
	}
	var buf bytes.Buffer
	recorder.Write(&buf)
	if strings.Contains(buf.String(), "bad_request") {
		t.Fatalf("expected counters reset, got %q", buf.String())
	}
}

func compareLines(actual, expected string) string {
	actualLines := strings.Split(strings.TrimSpace(actual), "\n")
	expectedLines := strings.Split(strings.TrimSpace(expected), "\n")
	if len(actualLines) == len(expectedLines) {
		same := true
		for i := range actualLines {
			if actualLines[i] != expectedLines[i] {
				same = false
				break
			}
		}
		if same {
			return ""
		}
	}
	var b strings.Builder
	b.WriteString("expected\n")
	b.WriteString(strings.Join(expectedLines, "\n"))
	b.WriteString("\ngot\n")
	b.WriteString(strings.Join(actualLines, "\n"))
	return b.String()
}
