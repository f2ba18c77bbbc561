package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"

	"filestream/internal/backend"
)

type flusher interface {
	Flush()
}

// Body is the lazily fetched response body of one stream. It can be written
// once; chunks are fetched only as the previous one has been written.
type Body struct {
	ctx     context.Context
	stream  backend.ChunkStream
	plan    FetchPlan
	length  int64
	onChunk func(n int, err error)
	used    bool
}

// WriteTo writes the planned range to w in ascending order, flushing after
// every chunk when w supports it. It stops at the first fetch or write error
// or when the request context ends. A backend that ends before the range is
// complete yields a TransientIO error.
func (b *Body) WriteTo(w io.Writer) (int64, error) {
	if b.used {
		return 0, errors.New("gateway: body already consumed")
	}
	b.used = true

	f, _ := w.(flusher)
	var written int64
	for part := 0; part < b.plan.PartCount; part++ {
		chunk, err := b.stream.Next(b.ctx)
		if b.onChunk != nil && !errors.Is(err, io.EOF) {
			b.onChunk(len(chunk), err)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return written, newError(KindOf(err), "fetch chunk", err)
		}
		n, err := w.Write(b.plan.Trim(part, chunk))
		written += int64(n)
		if err != nil {
			return written, newError(KindOf(err), "write chunk", err)
		}
		if f != nil {
			f.Flush()
		}
	}
	if written < b.length {
		return written, newError(TransientIO, "fetch chunk",
			fmt.Errorf("backend delivered %d of %d bytes: %w", written, b.length, io.ErrUnexpectedEOF))
	}
	return written, nil
}

// Close stops the underlying chunk stream.
func (b *Body) Close() error {
	return b.stream.Close()
}
