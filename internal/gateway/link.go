package gateway

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"filestream/internal/models"
)

var (
	securePath = regexp.MustCompile(`^([a-zA-Z0-9_-]{6})(\d+)$`)
	plainPath  = regexp.MustCompile(`^(\d+)(?:/\S+)?$`)

	errMissingHash = errors.New("missing hash parameter")
)

// SecureLink is the parsed form of a media path: the content-hash prefix and
// the numeric file id.
type SecureLink struct {
	Prefix string
	FileID int64
}

// ParseLink accepts "<prefix><id>" or "<id>[/name]" with the prefix in the
// hash query parameter. path must not carry the leading slash.
func ParseLink(path string, query url.Values) (SecureLink, error) {
	path = strings.TrimPrefix(path, "/")
	if m := securePath.FindStringSubmatch(path); m != nil {
		id, err := parseFileID(m[2])
		if err != nil {
			return SecureLink{}, err
		}
		return SecureLink{Prefix: m[1], FileID: id}, nil
	}
	m := plainPath.FindStringSubmatch(path)
	if m == nil {
		return SecureLink{}, newError(BadRequest, "parse link", fmt.Errorf("unrecognised path %q", path))
	}
	id, err := parseFileID(m[1])
	if err != nil {
		return SecureLink{}, err
	}
	hash := query.Get("hash")
	if hash == "" {
		return SecureLink{}, newError(BadRequest, "parse link", errMissingHash)
	}
	return SecureLink{Prefix: hash, FileID: id}, nil
}

func parseFileID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, newError(BadRequest, "parse link", fmt.Errorf("file id %q: %w", raw, err))
	}
	return id, nil
}

// ValidateHash accepts prefix only if it equals the first six characters of
// the file's canonical id.
func ValidateHash(file models.FileDescriptor, prefix string) error {
	expected := file.HashPrefix()
	if expected == "" || prefix != expected {
		return newError(InvalidLink, "validate hash", fmt.Errorf("hash mismatch for file %d", file.ID))
	}
	return nil
}

// Path returns the secure path for file, without a leading slash.
func Path(file models.FileDescriptor) string {
	return file.HashPrefix() + strconv.FormatInt(file.ID, 10)
}
