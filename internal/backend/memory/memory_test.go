package memory

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"filestream/internal/backend"
	"filestream/internal/models"
)

func TestSessionResolveAndFetch(t *testing.T) {
	store := NewStore()
	data := []byte("the quick brown fox jumps over the lazy dog")
	descriptor := store.Put(models.FileDescriptor{ID: 3, CanonicalID: "abc123def", MimeType: "text/plain"}, data)
	if descriptor.Size != int64(len(data)) {
		t.Fatalf("expected size %d, got %d", len(data), descriptor.Size)
	}

	client := NewClient("primary", store)
	session, err := client.NewSession(context.Background())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	resolved, err := session.Resolve(context.Background(), 3)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved != descriptor {
		t.Fatalf("expected %+v, got %+v", descriptor, resolved)
	}

	stream, err := session.Fetch(context.Background(), backend.FetchRequest{File: resolved, Offset: 16, ChunkSize: 8, PartCount: 2})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	defer stream.Close()
	var got []byte
	for {
		chunk, err := stream.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		got = append(got, chunk...)
	}
	if want := data[16:32]; !bytes.Equal(got, want) {
		t.Fatalf("expected %q, got %q", want, got)
	}
	if client.ChunkFetches() != 2 {
		t.Fatalf("expected 2 fetches, got %d", client.ChunkFetches())
	}
}

func TestSessionResolveUnknownFile(t *testing.T) {
	client := NewClient("primary", NewStore())
	session, _ := client.NewSession(context.Background())
	if _, err := session.Resolve(context.Background(), 99); !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := session.Fetch(context.Background(), backend.FetchRequest{File: models.FileDescriptor{ID: 99}, ChunkSize: 4}); !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from Fetch, got %v", err)
	}
}

func TestClosedClientRejectsSessions(t *testing.T) {
	client := NewClient("primary", NewStore())
	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := client.NewSession(context.Background()); !errors.Is(err, backend.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if client.SessionsCreated() != 0 {
		t.Fatalf("expected no sessions")
	}
}
