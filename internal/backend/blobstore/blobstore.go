// Package blobstore serves backend sessions from gocloud.dev buckets. Each
// account maps to one bucket URL; chunk fetches become ranged object reads
// and a weighted semaphore caps how many run at once per account.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
	"golang.org/x/sync/semaphore"

	"filestream/internal/backend"
	"filestream/internal/catalog"
	"filestream/internal/models"
)

// DefaultMaxConcurrentFetches bounds in-flight range reads per account.
const DefaultMaxConcurrentFetches = 8

// Options configures a Client.
type Options struct {
	MaxConcurrentFetches int64
}

// Client is one account backed by a bucket.
type Client struct {
	name    string
	bucket  *blob.Bucket
	catalog catalog.Catalog
	sem     *semaphore.Weighted
	owned   bool

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// Open opens bucketURL with the registered gocloud URL openers and returns a
// client that owns the bucket.
func Open(ctx context.Context, name, bucketURL string, cat catalog.Catalog, opts Options) (*Client, error) {
	if strings.TrimSpace(bucketURL) == "" {
		return nil, fmt.Errorf("blobstore: account %s has no bucket url", name)
	}
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("blobstore: open bucket for %s: %w", name, err)
	}
	client, err := NewClient(name, bucket, cat, opts)
	if err != nil {
		_ = bucket.Close()
		return nil, err
	}
	client.owned = true
	return client, nil
}

// NewClient wraps an already opened bucket. The caller keeps ownership of it.
func NewClient(name string, bucket *blob.Bucket, cat catalog.Catalog, opts Options) (*Client, error) {
	if bucket == nil {
		return nil, errors.New("blobstore: bucket is required")
	}
	if cat == nil {
		return nil, errors.New("blobstore: catalog is required")
	}
	limit := opts.MaxConcurrentFetches
	if limit <= 0 {
		limit = DefaultMaxConcurrentFetches
	}
	return &Client{
		name:    name,
		bucket:  bucket,
		catalog: cat,
		sem:     semaphore.NewWeighted(limit),
		closed:  make(chan struct{}),
	}, nil
}

func (c *Client) Name() string {
	return c.name
}

// NewSession implements backend.Client.
func (c *Client) NewSession(ctx context.Context) (backend.Session, error) {
	select {
	case <-c.closed:
		return nil, backend.ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &session{client: c, keys: make(map[int64]string)}, nil
}

// Close releases the bucket if the client opened it.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.owned {
			c.closeErr = c.bucket.Close()
		}
	})
	return c.closeErr
}

type session struct {
	client *Client

	mu   sync.RWMutex
	keys map[int64]string
}

func (s *session) Resolve(ctx context.Context, fileID int64) (models.FileDescriptor, error) {
	entry, err := s.client.catalog.Lookup(ctx, fileID)
	if err != nil {
		return models.FileDescriptor{}, err
	}
	s.mu.Lock()
	s.keys[fileID] = entry.ObjectKey
	s.mu.Unlock()
	return entry.File, nil
}

func (s *session) objectKey(ctx context.Context, fileID int64) (string, error) {
	s.mu.RLock()
	key, ok := s.keys[fileID]
	s.mu.RUnlock()
	if ok {
		return key, nil
	}
	if _, err := s.Resolve(ctx, fileID); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keys[fileID], nil
}

func (s *session) Fetch(ctx context.Context, req backend.FetchRequest) (backend.ChunkStream, error) {
	key, err := s.objectKey(ctx, req.File.ID)
	if err != nil {
		return nil, err
	}
	return backend.NewChunkStream(req, func(ctx context.Context, offset, size int64) ([]byte, error) {
		return s.client.readChunk(ctx, key, offset, size)
	})
}

func (c *Client) readChunk(ctx context.Context, key string, offset, size int64) ([]byte, error) {
	select {
	case <-c.closed:
		return nil, backend.ErrClosed
	default:
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	reader, err := c.bucket.NewRangeReader(ctx, key, offset, size, nil)
	if err != nil {
		return nil, classify(key, err)
	}
	defer reader.Close()

	buf := make([]byte, size)
	n, err := io.ReadFull(reader, buf)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		// Last chunk of the object.
	default:
		return nil, classify(key, err)
	}
	return buf[:n], nil
}

func classify(key string, err error) error {
	switch gcerrors.Code(err) {
	case gcerrors.NotFound:
		return fmt.Errorf("object %s: %w", key, backend.ErrNotFound)
	case gcerrors.Internal, gcerrors.ResourceExhausted:
		return fmt.Errorf("%w: object %s: %v", backend.ErrUnavailable, key, err)
	}
	return fmt.Errorf("object %s: %w", key, err)
}
