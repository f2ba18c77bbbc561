// Package gateway turns HTTP media links into lazily streamed byte ranges
// served by a pool of interchangeable backend clients.
//
// A request walks Parse, Resolve, Validate, Plan and Stream. The Balancer
// picks the least loaded client and counts the stream until its lease is
// released; the Sessions cache hands out one backend session per client.
package gateway

import (
	"context"
	"io"
	"log/slog"
	"net/url"
	"sync"

	"filestream/internal/backend"
	"filestream/internal/models"
)

// Observer receives stream lifecycle events, typically for metrics.
type Observer interface {
	StreamStarted(backend string)
	StreamFinished(backend string, bytes int64, err error)
	ChunkFetched(backend string, bytes int, err error)
	LinkRejected(kind string)
}

type nopObserver struct{}

func (nopObserver) StreamStarted(string)                {}
func (nopObserver) StreamFinished(string, int64, error) {}
func (nopObserver) ChunkFetched(string, int, error)     {}
func (nopObserver) LinkRejected(string)                 {}

// Config wires a Gateway.
type Config struct {
	Pool   *backend.Pool
	Logger *slog.Logger
	// MultiClient logs backend selection at info instead of debug.
	MultiClient bool
	Observer    Observer
}

// Gateway serves media requests over a backend pool.
type Gateway struct {
	pool        *backend.Pool
	balancer    *Balancer
	sessions    *Sessions
	logger      *slog.Logger
	multiClient bool
	observer    Observer
}

// New validates cfg and builds a Gateway.
func New(cfg Config) (*Gateway, error) {
	if cfg.Pool == nil {
		return nil, backend.ErrEmptyPool
	}
	balancer, err := NewBalancer(cfg.Pool.Len())
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	observer := cfg.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	return &Gateway{
		pool:        cfg.Pool,
		balancer:    balancer,
		sessions:    NewSessions(cfg.Pool, logger),
		logger:      logger,
		multiClient: cfg.MultiClient,
		observer:    observer,
	}, nil
}

// Request is the transport independent form of a media request.
type Request struct {
	Path  string
	Query url.Values
	Range string
	// HeadOnly skips the chunk fetch; the Stream carries headers only.
	HeadOnly bool
}

// Stream is an opened media response. Close must be called exactly once
// the response is done; it releases the backend lease.
type Stream struct {
	File    models.FileDescriptor
	Range   RangeRequest
	Partial bool
	Plan    FetchPlan
	Backend backend.Handle
	// Body is nil for HEAD requests and empty files.
	Body *Body

	lease    *Lease
	observer Observer
	written  int64
	err      error
	once     sync.Once
}

// Length is the number of body bytes the response carries.
func (s *Stream) Length() int64 {
	if s.File.Size == 0 {
		return 0
	}
	return s.Range.Length()
}

// WriteTo streams the body into w and records the outcome for Close.
func (s *Stream) WriteTo(w io.Writer) (int64, error) {
	if s.Body == nil {
		return 0, nil
	}
	n, err := s.Body.WriteTo(w)
	s.written += n
	if err != nil {
		s.err = err
	}
	return n, err
}

// Close ends the stream and releases its lease. Later calls are no-ops.
func (s *Stream) Close() error {
	var err error
	s.once.Do(func() {
		if s.Body != nil {
			err = s.Body.Close()
			s.observer.StreamFinished(s.Backend.Label(), s.written, s.err)
		}
		s.lease.Release()
	})
	return err
}

// Open runs a request through parsing, resolution, hash validation and
// planning, and returns a Stream ready to be written. On error no lease is
// held.
func (g *Gateway) Open(ctx context.Context, req Request) (*Stream, error) {
	link, err := ParseLink(req.Path, req.Query)
	if err != nil {
		g.observer.LinkRejected(KindOf(err).String())
		return nil, err
	}

	lease := g.balancer.Acquire()
	stream, err := g.open(ctx, lease, link, req)
	if err != nil {
		lease.Release()
		return nil, err
	}
	return stream, nil
}

func (g *Gateway) open(ctx context.Context, lease *Lease, link SecureLink, req Request) (*Stream, error) {
	handle := lease.Handle()
	g.logSelection(ctx, handle, req.Path)

	session, err := g.sessions.GetOrCreate(ctx, handle)
	if err != nil {
		return nil, newError(KindOf(err), "open session", err)
	}
	file, err := session.Resolve(ctx, link.FileID)
	if err != nil {
		return nil, newError(KindOf(err), "resolve file", err)
	}
	if err := ValidateHash(file, link.Prefix); err != nil {
		g.observer.LinkRejected(InvalidLink.String())
		return nil, err
	}

	rng, partial, err := ParseRange(req.Range, file.Size)
	if err != nil {
		return nil, err
	}
	stream := &Stream{
		File:     file,
		Range:    rng,
		Partial:  partial,
		Backend:  handle,
		lease:    lease,
		observer: g.observer,
	}
	if file.Size == 0 {
		return stream, nil
	}
	plan, err := Plan(rng, g.pool.Granularity())
	if err != nil {
		return nil, newError(Unexpected, "plan", err)
	}
	stream.Plan = plan
	if req.HeadOnly {
		return stream, nil
	}

	chunks, err := session.Fetch(ctx, backend.FetchRequest{
		File:      file,
		Offset:    plan.AlignedOffset,
		ChunkSize: plan.ChunkSize,
		PartCount: plan.PartCount,
	})
	if err != nil {
		return nil, newError(KindOf(err), "fetch", err)
	}
	label := handle.Label()
	stream.Body = &Body{
		ctx:    ctx,
		stream: chunks,
		plan:   plan,
		length: rng.Length(),
		onChunk: func(n int, err error) {
			g.observer.ChunkFetched(label, n, err)
		},
	}
	g.observer.StreamStarted(label)
	return stream, nil
}

func (g *Gateway) logSelection(ctx context.Context, h backend.Handle, path string) {
	level := slog.LevelDebug
	if g.multiClient {
		level = slog.LevelInfo
	}
	g.logger.Log(ctx, level, "backend selected", "backend", h.Label(), "path", path)
}

// Describe resolves and validates a link without streaming it. The watch
// page uses it to render file details.
func (g *Gateway) Describe(ctx context.Context, path string, query url.Values) (models.FileDescriptor, SecureLink, error) {
	link, err := ParseLink(path, query)
	if err != nil {
		g.observer.LinkRejected(KindOf(err).String())
		return models.FileDescriptor{}, SecureLink{}, err
	}
	session, err := g.sessions.GetOrCreate(ctx, g.balancer.Select())
	if err != nil {
		return models.FileDescriptor{}, SecureLink{}, newError(KindOf(err), "open session", err)
	}
	file, err := session.Resolve(ctx, link.FileID)
	if err != nil {
		return models.FileDescriptor{}, SecureLink{}, newError(KindOf(err), "resolve file", err)
	}
	if err := ValidateHash(file, link.Prefix); err != nil {
		g.observer.LinkRejected(InvalidLink.String())
		return models.FileDescriptor{}, SecureLink{}, err
	}
	return file, link, nil
}

// Status is a point-in-time view of the pool.
type Status struct {
	Identity  string
	Connected int
	Loads     []HandleLoad
}

// Status reports the pool identity and per-backend loads, busiest first.
func (g *Gateway) Status() Status {
	return Status{
		Identity:  g.pool.Identity(),
		Connected: g.pool.Len(),
		Loads:     g.balancer.Snapshot(),
	}
}

// Balancer exposes the load table.
func (g *Gateway) Balancer() *Balancer {
	return g.balancer
}

// Sessions exposes the session cache.
func (g *Gateway) Sessions() *Sessions {
	return g.sessions
}
