package gateway

import (
	"fmt"

	"filestream/internal/backend"
)

const (
	chunkUnit        = 1024
	minChunkExponent = 2
	maxChunkExponent = 10
)

// RangeRequest is an inclusive byte range [From, Until].
type RangeRequest struct {
	From  int64
	Until int64
}

// Length is the number of bytes the range covers.
func (r RangeRequest) Length() int64 {
	return r.Until - r.From + 1
}

func (r RangeRequest) validate() error {
	if r.From < 0 || r.Until < r.From {
		return fmt.Errorf("invalid range %d-%d", r.From, r.Until)
	}
	return nil
}

// FetchPlan maps a byte range onto whole chunks. Concatenating PartCount
// chunks from AlignedOffset, then dropping LeadTrim bytes from the first and
// keeping TailTrim bytes of the last, yields exactly the requested range.
type FetchPlan struct {
	ChunkSize     int64
	AlignedOffset int64
	LeadTrim      int64
	TailTrim      int64
	PartCount     int
}

// ChunkSize picks a power-of-two chunk size for a request of length bytes:
// the smallest 2^k KiB covering length, with k in [2, 10], then clamped to g.
func ChunkSize(length int64, g backend.Granularity) int64 {
	if g == (backend.Granularity{}) {
		g = backend.DefaultGranularity
	}
	exp := minChunkExponent
	for exp < maxChunkExponent && int64(chunkUnit)<<exp < length {
		exp++
	}
	size := int64(chunkUnit) << exp
	if size < g.Min {
		size = g.Min
	}
	if size > g.Max {
		size = g.Max
	}
	return size
}

// Plan computes the fetch plan for r. It does not depend on the file size;
// callers clamp r to the file first.
func Plan(r RangeRequest, g backend.Granularity) (FetchPlan, error) {
	if err := r.validate(); err != nil {
		return FetchPlan{}, err
	}
	size := ChunkSize(r.Length(), g)
	first := r.From / size
	last := r.Until / size
	aligned := first * size
	return FetchPlan{
		ChunkSize:     size,
		AlignedOffset: aligned,
		LeadTrim:      r.From - aligned,
		TailTrim:      r.Until%size + 1,
		PartCount:     int(last - first + 1),
	}, nil
}

// Trim cuts the part-th chunk (zero based) down to the bytes that belong to
// the range.
func (p FetchPlan) Trim(part int, chunk []byte) []byte {
	start, end := int64(0), int64(len(chunk))
	if part == p.PartCount-1 && p.TailTrim < end {
		end = p.TailTrim
	}
	if part == 0 {
		start = p.LeadTrim
	}
	if start > end {
		return chunk[:0]
	}
	return chunk[start:end]
}
