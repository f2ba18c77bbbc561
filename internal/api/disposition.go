package api

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"path"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"filestream/internal/models"
)

const unknownExtension = ".unknown"

// downloadName picks the file name offered to the client. Nameless files get
// a random four-hex-digit name; names without an extension borrow the MIME
// subtype.
func downloadName(file models.FileDescriptor, token func() string) string {
	name := sanitizeFilename(file.DisplayName)
	if name == "" {
		return token() + unknownExtension
	}
	mimeType := file.ContentType()
	if mimeType != models.DefaultMimeType && !strings.Contains(name, ".") {
		if _, subtype, ok := strings.Cut(mimeType, "/"); ok && subtype != "" {
			name += "." + subtype
		}
	}
	return name
}

// sanitizeFilename strips directories, quotes and control characters so the
// name is safe inside a quoted header parameter.
func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = path.Base(strings.TrimSpace(name))
	name = strings.Map(func(r rune) rune {
		if r == '"' || unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	if name == "." || name == ".." || name == "/" {
		return ""
	}
	return name
}

// asciiFold removes diacritics and replaces any remaining non-ASCII rune
// with an underscore.
func asciiFold(name string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, name)
	if err != nil {
		folded = name
	}
	return strings.Map(func(r rune) rune {
		if r > unicode.MaxASCII {
			return '_'
		}
		return r
	}, folded)
}

// contentDisposition formats an attachment header. Non-ASCII names are also
// sent in the RFC 5987 extended form.
func contentDisposition(name string) string {
	ascii := asciiFold(name)
	header := fmt.Sprintf(`attachment; filename="%s"`, ascii)
	if ascii != name {
		header += "; filename*=UTF-8''" + url.PathEscape(name)
	}
	return header
}

func randomToken() string {
	var buf [2]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "0000"
	}
	return hex.EncodeToString(buf[:])
}
