package models

import "strings"

// HashPrefixLength is the number of leading canonical id characters embedded
// in public links.
const HashPrefixLength = 6

// DefaultMimeType is reported when the backend does not know the content type.
const DefaultMimeType = "application/octet-stream"

// FileDescriptor describes a file stored on the chunked backend. It is
// resolved once per request and never mutated afterwards.
type FileDescriptor struct {
	ID          int64  `json:"id"`
	CanonicalID string `json:"canonicalId"`
	Size        int64  `json:"size"`
	MimeType    string `json:"mimeType,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

// HashPrefix returns the link prefix for the descriptor, or an empty string
// when the canonical id is too short to carry one.
func (f FileDescriptor) HashPrefix() string {
	if len(f.CanonicalID) < HashPrefixLength {
		return ""
	}
	return f.CanonicalID[:HashPrefixLength]
}

// ContentType returns the MIME type, falling back to DefaultMimeType.
func (f FileDescriptor) ContentType() string {
	if mime := strings.TrimSpace(f.MimeType); mime != "" {
		return mime
	}
	return DefaultMimeType
}
