// Package memory provides an in-process multi-account backend. Every client
// shares one object store, mirroring how several accounts of the remote
// service can read the same files.
package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"filestream/internal/backend"
	"filestream/internal/models"
)

// Store holds file contents keyed by file id.
type Store struct {
	mu    sync.RWMutex
	files map[int64]storedFile
}

type storedFile struct {
	descriptor models.FileDescriptor
	data       []byte
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{files: make(map[int64]storedFile)}
}

// Put stores data under descriptor.ID. The descriptor size is taken from data.
func (s *Store) Put(descriptor models.FileDescriptor, data []byte) models.FileDescriptor {
	descriptor.Size = int64(len(data))
	s.mu.Lock()
	s.files[descriptor.ID] = storedFile{descriptor: descriptor, data: append([]byte(nil), data...)}
	s.mu.Unlock()
	return descriptor
}

func (s *Store) lookup(fileID int64) (storedFile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	file, ok := s.files[fileID]
	return file, ok
}

// Client is one account reading from a Store.
type Client struct {
	name  string
	store *Store

	sessions atomic.Int64
	fetches  atomic.Int64
	closed   atomic.Bool

	// FetchHook, when set, runs before every chunk fetch.
	FetchHook func(ctx context.Context, offset int64) error
}

// NewClient creates a client named name over store.
func NewClient(name string, store *Store) *Client {
	return &Client{name: name, store: store}
}

func (c *Client) Name() string {
	return c.name
}

// SessionsCreated reports how many sessions the client has handed out.
func (c *Client) SessionsCreated() int64 {
	return c.sessions.Load()
}

// ChunkFetches reports how many chunk fetches the client has served.
func (c *Client) ChunkFetches() int64 {
	return c.fetches.Load()
}

// NewSession implements backend.Client.
func (c *Client) NewSession(ctx context.Context) (backend.Session, error) {
	if c.closed.Load() {
		return nil, backend.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.sessions.Add(1)
	return &session{client: c}, nil
}

// Close marks the client closed.
func (c *Client) Close() error {
	c.closed.Store(true)
	return nil
}

type session struct {
	client *Client
}

func (s *session) Resolve(ctx context.Context, fileID int64) (models.FileDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return models.FileDescriptor{}, err
	}
	file, ok := s.client.store.lookup(fileID)
	if !ok {
		return models.FileDescriptor{}, fmt.Errorf("file %d: %w", fileID, backend.ErrNotFound)
	}
	return file.descriptor, nil
}

func (s *session) Fetch(ctx context.Context, req backend.FetchRequest) (backend.ChunkStream, error) {
	file, ok := s.client.store.lookup(req.File.ID)
	if !ok {
		return nil, fmt.Errorf("file %d: %w", req.File.ID, backend.ErrNotFound)
	}
	return backend.NewChunkStream(req, func(ctx context.Context, offset, size int64) ([]byte, error) {
		if s.client.closed.Load() {
			return nil, backend.ErrClosed
		}
		if hook := s.client.FetchHook; hook != nil {
			if err := hook(ctx, offset); err != nil {
				return nil, err
			}
		}
		s.client.fetches.Add(1)
		length := int64(len(file.data))
		if offset >= length {
			return nil, nil
		}
		end := offset + size
		if end > length {
			end = length
		}
		return append([]byte(nil), file.data[offset:end]...), nil
	})
}
