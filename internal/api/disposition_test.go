package api

import (
	"regexp"
	"strings"
	"testing"

	"filestream/internal/models"
)

func fixedToken() string { return "beef" }

func TestDownloadName(t *testing.T) {
	cases := []struct {
		name string
		file models.FileDescriptor
		want string
	}{
		{name: "plain", file: models.FileDescriptor{DisplayName: "movie.mkv", MimeType: "video/x-matroska"}, want: "movie.mkv"},
		{name: "no extension", file: models.FileDescriptor{DisplayName: "movie", MimeType: "video/mp4"}, want: "movie.mp4"},
		{name: "octet stream keeps name", file: models.FileDescriptor{DisplayName: "blob"}, want: "blob"},
		{name: "nameless", file: models.FileDescriptor{MimeType: "video/mp4"}, want: "beef.unknown"},
		{name: "traversal", file: models.FileDescriptor{DisplayName: `..\..\etc\passwd.txt`}, want: "passwd.txt"},
		{name: "quotes and newlines", file: models.FileDescriptor{DisplayName: "a\"b\r\nc.txt"}, want: "abc.txt"},
		{name: "only dots", file: models.FileDescriptor{DisplayName: ".."}, want: "beef.unknown"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := downloadName(tc.file, fixedToken); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestContentDisposition(t *testing.T) {
	if got := contentDisposition("clip.mp4"); got != `attachment; filename="clip.mp4"` {
		t.Fatalf("unexpected header %q", got)
	}
	got := contentDisposition("Café déjà vu 日本.mp4")
	if !strings.HasPrefix(got, `attachment; filename="Cafe deja vu __.mp4"`) {
		t.Fatalf("expected folded ascii name, got %q", got)
	}
	if !strings.Contains(got, "filename*=UTF-8''Caf%C3%A9%20d%C3%A9j%C3%A0%20vu%20%E6%97%A5%E6%9C%AC.mp4") {
		t.Fatalf("expected extended filename, got %q", got)
	}
}

func TestRandomToken(t *testing.T) {
	pattern := regexp.MustCompile(`^[0-9a-f]{4}$`)
	for i := 0; i < 10; i++ {
		if token := randomToken(); !pattern.MatchString(token) {
			t.Fatalf("unexpected token %q", token)
		}
	}
}
