package backend

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"filestream/internal/models"
)

type namedClient string

func (c namedClient) Name() string { return string(c) }

func (c namedClient) NewSession(context.Context) (Session, error) { return nil, nil }

type closingClient struct {
	namedClient
	err    error
	closed bool
}

func (c *closingClient) Close() error {
	c.closed = true
	return c.err
}

func sliceFetcher(data []byte) ChunkFetcher {
	return func(_ context.Context, offset, size int64) ([]byte, error) {
		if offset >= int64(len(data)) {
			return nil, nil
		}
		end := offset + size
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		return data[offset:end], nil
	}
}

func drain(t *testing.T, stream ChunkStream) [][]byte {
	t.Helper()
	var chunks [][]byte
	for {
		chunk, err := stream.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return chunks
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		chunks = append(chunks, chunk)
	}
}

func TestChunkStreamStopsAfterPartCount(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 100)
	stream, err := NewChunkStream(FetchRequest{
		File:      models.FileDescriptor{ID: 1, Size: 100},
		Offset:    20,
		ChunkSize: 10,
		PartCount: 3,
	}, sliceFetcher(data))
	if err != nil {
		t.Fatalf("NewChunkStream: %v", err)
	}
	chunks := drain(t, stream)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	for i, chunk := range chunks {
		if len(chunk) != 10 {
			t.Fatalf("chunk %d: expected 10 bytes, got %d", i, len(chunk))
		}
	}
}

func TestChunkStreamStopsAtEndOfFile(t *testing.T) {
	data := []byte("0123456789abc")
	stream, err := NewChunkStream(FetchRequest{
		File:      models.FileDescriptor{ID: 1},
		ChunkSize: 4,
		PartCount: 10,
	}, sliceFetcher(data))
	if err != nil {
		t.Fatalf("NewChunkStream: %v", err)
	}
	chunks := drain(t, stream)
	if got := bytes.Join(chunks, nil); !bytes.Equal(got, data) {
		t.Fatalf("expected %q, got %q", data, got)
	}
	if len(chunks) != 4 {
		t.Fatalf("expected 4 chunks, got %d", len(chunks))
	}
}

func TestChunkStreamPropagatesFetchErrors(t *testing.T) {
	boom := errors.New("boom")
	stream, err := NewChunkStream(FetchRequest{ChunkSize: 4, PartCount: 2}, func(context.Context, int64, int64) ([]byte, error) {
		return nil, boom
	})
	if err != nil {
		t.Fatalf("NewChunkStream: %v", err)
	}
	if _, err := stream.Next(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := stream.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after failure, got %v", err)
	}
}

func TestChunkStreamHonoursCancellation(t *testing.T) {
	calls := 0
	stream, _ := NewChunkStream(FetchRequest{ChunkSize: 4, PartCount: 2}, func(context.Context, int64, int64) ([]byte, error) {
		calls++
		return []byte("abcd"), nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := stream.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected no fetch after cancellation, got %d", calls)
	}
}

func TestFetchRequestValidate(t *testing.T) {
	cases := []struct {
		name    string
		req     FetchRequest
		wantErr bool
	}{
		{name: "aligned", req: FetchRequest{Offset: 8, ChunkSize: 4, PartCount: 1}},
		{name: "zero chunk", req: FetchRequest{ChunkSize: 0}, wantErr: true},
		{name: "negative offset", req: FetchRequest{Offset: -4, ChunkSize: 4}, wantErr: true},
		{name: "unaligned", req: FetchRequest{Offset: 6, ChunkSize: 4}, wantErr: true},
		{name: "negative parts", req: FetchRequest{ChunkSize: 4, PartCount: -1}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.req.Validate()
			if tc.wantErr && err == nil {
				t.Fatalf("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestNewPoolValidation(t *testing.T) {
	if _, err := NewPool("bot", Granularity{}); !errors.Is(err, ErrEmptyPool) {
		t.Fatalf("expected ErrEmptyPool, got %v", err)
	}
	if _, err := NewPool("bot", Granularity{Min: 8, Max: 4}, namedClient("a")); err == nil {
		t.Fatalf("expected granularity error")
	}

	pool, err := NewPool("@streambot", Granularity{}, namedClient("a"), namedClient("b"))
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	if pool.Identity() != "streambot" {
		t.Fatalf("expected identity without @, got %q", pool.Identity())
	}
	if pool.Granularity() != DefaultGranularity {
		t.Fatalf("expected default granularity, got %+v", pool.Granularity())
	}
	if pool.Len() != 2 || len(pool.Handles()) != 2 {
		t.Fatalf("expected 2 clients")
	}
	client, err := pool.Client(1)
	if err != nil || client.Name() != "b" {
		t.Fatalf("expected client b, got %v (%v)", client, err)
	}
	if _, err := pool.Client(2); err == nil {
		t.Fatalf("expected out of range error")
	}
}

func TestPoolCloseClosesClients(t *testing.T) {
	boom := errors.New("boom")
	first := &closingClient{namedClient: "a"}
	second := &closingClient{namedClient: "b", err: boom}
	pool, err := NewPool("bot", Granularity{}, first, second, namedClient("c"))
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	if err := pool.Close(); !errors.Is(err, boom) {
		t.Fatalf("expected close error to surface, got %v", err)
	}
	if !first.closed || !second.closed {
		t.Fatalf("expected both closers to run")
	}
}

func TestHandleLabel(t *testing.T) {
	if got := Handle(0).Label(); got != "bot1" {
		t.Fatalf("expected bot1, got %s", got)
	}
}
