package gateway

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseRange interprets a Range header against a file of size bytes. It
// returns the whole file and partial=false when header is empty. Supported
// forms are bytes=a-b, bytes=a- and bytes=-n; an end past the file is
// clamped.
func ParseRange(header string, size int64) (r RangeRequest, partial bool, err error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return RangeRequest{From: 0, Until: size - 1}, false, nil
	}
	const op = "parse range"
	byteRange, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return RangeRequest{}, false, newError(BadRequest, op, fmt.Errorf("unsupported range unit in %q", header))
	}
	if strings.Contains(byteRange, ",") {
		return RangeRequest{}, false, newError(BadRequest, op, fmt.Errorf("multiple ranges are not supported"))
	}
	startRaw, endRaw, ok := strings.Cut(strings.TrimSpace(byteRange), "-")
	if !ok {
		return RangeRequest{}, false, newError(BadRequest, op, fmt.Errorf("malformed range %q", header))
	}
	startRaw, endRaw = strings.TrimSpace(startRaw), strings.TrimSpace(endRaw)

	if startRaw == "" {
		suffix, err := parseOffset(endRaw)
		if err != nil || suffix == 0 {
			return RangeRequest{}, false, newError(BadRequest, op, fmt.Errorf("malformed suffix range %q", header))
		}
		if size == 0 {
			return RangeRequest{}, false, newError(RangeNotSatisfiable, op, &RangeError{Size: size})
		}
		if suffix > size {
			suffix = size
		}
		return RangeRequest{From: size - suffix, Until: size - 1}, true, nil
	}

	from, err := parseOffset(startRaw)
	if err != nil {
		return RangeRequest{}, false, newError(BadRequest, op, fmt.Errorf("malformed range start %q", startRaw))
	}
	until := size - 1
	if endRaw != "" {
		until, err = parseOffset(endRaw)
		if err != nil || until < from {
			return RangeRequest{}, false, newError(BadRequest, op, fmt.Errorf("malformed range end %q", endRaw))
		}
	}
	if from >= size {
		return RangeRequest{}, false, newError(RangeNotSatisfiable, op, &RangeError{Size: size})
	}
	if until > size-1 {
		until = size - 1
	}
	return RangeRequest{From: from, Until: until}, true, nil
}

func parseOffset(raw string) (int64, error) {
	if raw == "" || raw[0] == '+' || raw[0] == '-' {
		return 0, fmt.Errorf("invalid offset %q", raw)
	}
	return strconv.ParseInt(raw, 10, 64)
}
