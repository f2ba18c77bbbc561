package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"filestream/internal/backend"
	"filestream/internal/backend/memory"
)

type slowClient struct {
	*memory.Client
	started chan struct{}
	release chan struct{}
	fail    atomic.Bool
	calls   atomic.Int64
}

func (c *slowClient) NewSession(ctx context.Context) (backend.Session, error) {
	if c.calls.Add(1) == 1 {
		close(c.started)
	}
	<-c.release
	if c.fail.Load() {
		return nil, errors.New("handshake failed")
	}
	return c.Client.NewSession(ctx)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSessionsCreateOncePerHandle(t *testing.T) {
	client := &slowClient{
		Client:  memory.NewClient("primary", memory.NewStore()),
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	pool, err := backend.NewPool("bot", backend.Granularity{}, client)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	sessions := NewSessions(pool, discardLogger())

	const callers = 16
	results := make([]backend.Session, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			session, err := sessions.GetOrCreate(context.Background(), 0)
			if err != nil {
				t.Errorf("GetOrCreate: %v", err)
				return
			}
			results[i] = session
		}(i)
	}
	<-client.started
	time.Sleep(10 * time.Millisecond)
	close(client.release)
	wg.Wait()

	for i := 1; i < callers; i++ {
		if results[i] != results[0] {
			t.Fatalf("caller %d got a different session", i)
		}
	}
	if got := client.SessionsCreated(); got != 1 {
		t.Fatalf("expected 1 session, got %d", got)
	}
	if sessions.Len() != 1 {
		t.Fatalf("expected 1 cached session, got %d", sessions.Len())
	}
}

func TestSessionsDoNotCacheFailures(t *testing.T) {
	client := &slowClient{
		Client:  memory.NewClient("primary", memory.NewStore()),
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	close(client.release)
	client.fail.Store(true)
	pool, _ := backend.NewPool("bot", backend.Granularity{}, client)
	sessions := NewSessions(pool, discardLogger())

	if _, err := sessions.GetOrCreate(context.Background(), 0); err == nil {
		t.Fatalf("expected creation error")
	}
	client.fail.Store(false)
	if _, err := sessions.GetOrCreate(context.Background(), 0); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if client.calls.Load() != 2 {
		t.Fatalf("expected 2 creation attempts, got %d", client.calls.Load())
	}
}

func TestSessionsUnknownHandle(t *testing.T) {
	pool, _ := backend.NewPool("bot", backend.Granularity{}, memory.NewClient("a", memory.NewStore()))
	sessions := NewSessions(pool, discardLogger())
	if _, err := sessions.GetOrCreate(context.Background(), 3); err == nil {
		t.Fatalf("expected error for unknown handle")
	}
}
