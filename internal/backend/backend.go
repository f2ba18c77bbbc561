package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"filestream/internal/models"
)

var (
	// ErrNotFound is returned when a file id cannot be resolved.
	ErrNotFound = errors.New("backend: file not found")
	// ErrEmptyPool is returned when a pool is built without clients.
	ErrEmptyPool = errors.New("backend: connection pool is empty")
	// ErrClosed is returned by clients used after Close.
	ErrClosed = errors.New("backend: client closed")
	// ErrUnavailable wraps connectivity failures of backend dependencies.
	ErrUnavailable = errors.New("backend: temporarily unavailable")
)

// Handle identifies one client of a Pool by index.
type Handle int

// Label returns the one-based public name used by the status endpoint.
func (h Handle) Label() string {
	return fmt.Sprintf("bot%d", int(h)+1)
}

// FetchRequest asks a session for PartCount consecutive chunks of ChunkSize
// bytes starting at the chunk-aligned Offset.
type FetchRequest struct {
	File      models.FileDescriptor
	Offset    int64
	ChunkSize int64
	PartCount int
}

// Validate reports whether the request is well formed.
func (r FetchRequest) Validate() error {
	switch {
	case r.ChunkSize <= 0:
		return fmt.Errorf("backend: chunk size must be positive, got %d", r.ChunkSize)
	case r.Offset < 0:
		return fmt.Errorf("backend: offset must not be negative, got %d", r.Offset)
	case r.Offset%r.ChunkSize != 0:
		return fmt.Errorf("backend: offset %d is not aligned to chunk size %d", r.Offset, r.ChunkSize)
	case r.PartCount < 0:
		return fmt.Errorf("backend: part count must not be negative, got %d", r.PartCount)
	}
	return nil
}

// ChunkStream is a finite, non-restartable sequence of chunks. Next suspends
// on the remote fetch and returns io.EOF once the requested parts (or the end
// of the file) have been delivered.
type ChunkStream interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// Session issues metadata lookups and chunk fetches through one client.
type Session interface {
	Resolve(ctx context.Context, fileID int64) (models.FileDescriptor, error)
	Fetch(ctx context.Context, req FetchRequest) (ChunkStream, error)
}

// Client is one interchangeable backend identity.
type Client interface {
	Name() string
	NewSession(ctx context.Context) (Session, error)
}

// ChunkFetcher reads at most size bytes of a file starting at offset. A
// short read signals the end of the file.
type ChunkFetcher func(ctx context.Context, offset, size int64) ([]byte, error)

// NewChunkStream adapts a per-chunk fetch function into a ChunkStream that
// walks req.PartCount chunks in ascending offset order.
func NewChunkStream(req FetchRequest, fetch ChunkFetcher) (ChunkStream, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if fetch == nil {
		return nil, errors.New("backend: chunk fetcher is required")
	}
	return &chunkStream{req: req, fetch: fetch, offset: req.Offset}, nil
}

type chunkStream struct {
	req     FetchRequest
	fetch   ChunkFetcher
	offset  int64
	emitted int
	done    bool
}

func (s *chunkStream) Next(ctx context.Context) ([]byte, error) {
	if s.done || s.emitted >= s.req.PartCount {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		s.done = true
		return nil, err
	}
	if s.req.File.Size > 0 && s.offset >= s.req.File.Size {
		s.done = true
		return nil, io.EOF
	}
	chunk, err := s.fetch(ctx, s.offset, s.req.ChunkSize)
	if err != nil {
		s.done = true
		return nil, err
	}
	s.emitted++
	s.offset += s.req.ChunkSize
	if int64(len(chunk)) < s.req.ChunkSize {
		s.done = true
	}
	if len(chunk) == 0 {
		return nil, io.EOF
	}
	return chunk, nil
}

func (s *chunkStream) Close() error {
	s.done = true
	return nil
}

// Granularity bounds the chunk sizes the remote protocol accepts.
type Granularity struct {
	Min int64
	Max int64
}

// DefaultGranularity allows power-of-two chunks between 4 KiB and 1 MiB.
var DefaultGranularity = Granularity{Min: 4 * 1024, Max: 1024 * 1024}

// Validate reports whether the bounds are usable.
func (g Granularity) Validate() error {
	if g.Min <= 0 || g.Max <= 0 {
		return fmt.Errorf("backend: chunk granularity must be positive, got [%d, %d]", g.Min, g.Max)
	}
	if g.Min > g.Max {
		return fmt.Errorf("backend: minimum chunk size %d exceeds maximum %d", g.Min, g.Max)
	}
	return nil
}

// Pool is the process-wide set of backend clients. The gateway only refers
// to clients through Handles.
type Pool struct {
	identity    string
	granularity Granularity
	clients     []Client
}

// NewPool validates the inputs and builds a Pool. A zero granularity selects
// DefaultGranularity.
func NewPool(identity string, granularity Granularity, clients ...Client) (*Pool, error) {
	if len(clients) == 0 {
		return nil, ErrEmptyPool
	}
	for i, client := range clients {
		if client == nil {
			return nil, fmt.Errorf("backend: client %d is nil", i)
		}
	}
	if granularity == (Granularity{}) {
		granularity = DefaultGranularity
	}
	if err := granularity.Validate(); err != nil {
		return nil, err
	}
	return &Pool{
		identity:    strings.TrimPrefix(strings.TrimSpace(identity), "@"),
		granularity: granularity,
		clients:     append([]Client(nil), clients...),
	}, nil
}

// Len returns the number of clients in the pool.
func (p *Pool) Len() int {
	return len(p.clients)
}

// Identity is the public name of the primary client.
func (p *Pool) Identity() string {
	return p.identity
}

// Granularity returns the chunk size bounds shared by all clients.
func (p *Pool) Granularity() Granularity {
	return p.granularity
}

// Client returns the client behind h.
func (p *Pool) Client(h Handle) (Client, error) {
	if int(h) < 0 || int(h) >= len(p.clients) {
		return nil, fmt.Errorf("backend: handle %d out of range [0, %d)", int(h), len(p.clients))
	}
	return p.clients[h], nil
}

// Handles lists every handle in index order.
func (p *Pool) Handles() []Handle {
	handles := make([]Handle, len(p.clients))
	for i := range p.clients {
		handles[i] = Handle(i)
	}
	return handles
}

// Close closes every client that holds resources.
func (p *Pool) Close() error {
	var errs []error
	for _, client := range p.clients {
		if closer, ok := client.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", client.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}
