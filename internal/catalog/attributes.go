package catalog

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
	"golang.org/x/crypto/blake2b"

	"filestream/internal/backend"
	"filestream/internal/models"
)

const (
	defaultAttributesPrefix = "files/"
	// MetadataFilename is the object metadata key holding the display name.
	MetadataFilename = "filename"
	// MetadataCanonicalID overrides the derived canonical id when present.
	MetadataCanonicalID = "canonical-id"
)

// Attributes derives catalog entries from object attributes in a bucket.
// File id N lives at <prefix>N. The canonical id is a BLAKE2b digest of the
// object key, size and ETag unless the object carries an explicit one.
type Attributes struct {
	bucket *blob.Bucket
	prefix string
}

// NewAttributes returns a catalog over bucket. An empty prefix selects
// "files/".
func NewAttributes(bucket *blob.Bucket, prefix string) (*Attributes, error) {
	if bucket == nil {
		return nil, errors.New("catalog: bucket is required")
	}
	if prefix == "" {
		prefix = defaultAttributesPrefix
	}
	return &Attributes{bucket: bucket, prefix: prefix}, nil
}

// ObjectKey returns the key file id is stored under.
func (a *Attributes) ObjectKey(fileID int64) string {
	return a.prefix + strconv.FormatInt(fileID, 10)
}

// Lookup implements Catalog.
func (a *Attributes) Lookup(ctx context.Context, fileID int64) (Entry, error) {
	if fileID < 0 {
		return Entry{}, fmt.Errorf("file %d: %w", fileID, backend.ErrNotFound)
	}
	key := a.ObjectKey(fileID)
	attrs, err := a.bucket.Attributes(ctx, key)
	if err != nil {
		return Entry{}, classifyBlobError(fileID, err)
	}

	canonical := strings.TrimSpace(attrs.Metadata[MetadataCanonicalID])
	if canonical == "" {
		canonical = CanonicalID(key, attrs.Size, attrs.ETag)
	}
	name := strings.TrimSpace(attrs.Metadata[MetadataFilename])
	if name == "" {
		name = path.Base(key)
	}
	return Entry{
		File: models.FileDescriptor{
			ID:          fileID,
			CanonicalID: canonical,
			Size:        attrs.Size,
			MimeType:    attrs.ContentType,
			DisplayName: name,
		},
		ObjectKey: key,
	}, nil
}

// CanonicalID returns the url-safe BLAKE2b-256 digest of an object's
// identity. Links embed its first six characters.
func CanonicalID(key string, size int64, etag string) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(key))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(size))
	h.Write(buf[:])
	h.Write([]byte(etag))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

func classifyBlobError(fileID int64, err error) error {
	switch gcerrors.Code(err) {
	case gcerrors.NotFound:
		return fmt.Errorf("file %d: %w", fileID, backend.ErrNotFound)
	case gcerrors.Canceled, gcerrors.DeadlineExceeded:
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: %v", backend.ErrUnavailable, err)
	case gcerrors.Internal, gcerrors.ResourceExhausted:
		return fmt.Errorf("%w: %v", backend.ErrUnavailable, err)
	}
	return err
}
