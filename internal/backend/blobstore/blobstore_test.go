package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"

	"filestream/internal/backend"
	"filestream/internal/catalog"
	"filestream/internal/models"
)

func newTestClient(t *testing.T, data []byte, opts Options) (*Client, *blob.Bucket) {
	t.Helper()
	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)
	t.Cleanup(func() { _ = bucket.Close() })
	if err := bucket.WriteAll(ctx, "files/5", data, &blob.WriterOptions{ContentType: "video/mp4"}); err != nil {
		t.Fatalf("write object: %v", err)
	}
	cat, err := catalog.NewAttributes(bucket, "")
	if err != nil {
		t.Fatalf("NewAttributes: %v", err)
	}
	client, err := NewClient("primary", bucket, cat, opts)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client, bucket
}

func payload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func TestFetchReadsAlignedChunks(t *testing.T) {
	data := payload(10_000)
	client, _ := newTestClient(t, data, Options{})
	ctx := context.Background()

	session, err := client.NewSession(ctx)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	file, err := session.Resolve(ctx, 5)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if file.Size != int64(len(data)) || file.MimeType != "video/mp4" {
		t.Fatalf("unexpected descriptor %+v", file)
	}

	stream, err := session.Fetch(ctx, backend.FetchRequest{File: file, Offset: 4096, ChunkSize: 4096, PartCount: 5})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	defer stream.Close()
	var got []byte
	var sizes []int
	for {
		chunk, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		sizes = append(sizes, len(chunk))
		got = append(got, chunk...)
	}
	if !bytes.Equal(got, data[4096:]) {
		t.Fatalf("expected %d bytes from offset 4096, got %d", len(data)-4096, len(got))
	}
	if len(sizes) != 2 || sizes[0] != 4096 || sizes[1] != len(data)-8192 {
		t.Fatalf("unexpected chunk sizes %v", sizes)
	}
}

func TestFetchWithoutResolveLooksUpCatalog(t *testing.T) {
	data := payload(100)
	client, _ := newTestClient(t, data, Options{})
	ctx := context.Background()
	session, _ := client.NewSession(ctx)

	stream, err := session.Fetch(ctx, backend.FetchRequest{File: models.FileDescriptor{ID: 5, Size: 100}, ChunkSize: 64, PartCount: 1})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	chunk, err := stream.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !bytes.Equal(chunk, data[:64]) {
		t.Fatalf("unexpected chunk")
	}
}

func TestResolveUnknownFile(t *testing.T) {
	client, _ := newTestClient(t, payload(10), Options{})
	session, _ := client.NewSession(context.Background())
	if _, err := session.Resolve(context.Background(), 6); !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFetchRespectsConcurrencyLimit(t *testing.T) {
	client, _ := newTestClient(t, payload(10), Options{MaxConcurrentFetches: 1})
	if !client.sem.TryAcquire(1) {
		t.Fatalf("expected free semaphore")
	}
	defer client.sem.Release(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := client.readChunk(ctx, "files/5", 0, 4); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected blocked fetch to fail with context.Canceled, got %v", err)
	}
}

func TestClosedClient(t *testing.T) {
	client, bucket := newTestClient(t, payload(10), Options{})
	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := client.NewSession(context.Background()); !errors.Is(err, backend.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := bucket.Attributes(context.Background(), "files/5"); err != nil {
		t.Fatalf("borrowed bucket must stay open: %v", err)
	}
}

func TestOpenRequiresBucketURL(t *testing.T) {
	cat, _ := catalog.NewMemory()
	if _, err := Open(context.Background(), "primary", " ", cat, Options{}); err == nil {
		t.Fatalf("expected error without bucket url")
	}
}
