package gateway

import (
	"errors"
	"math/rand"
	"net/url"
	"testing"

	"filestream/internal/models"
)

func TestParseLink(t *testing.T) {
	cases := []struct {
		name  string
		path  string
		query url.Values
		want  SecureLink
		kind  Kind
	}{
		{name: "secure", path: "abc12345", want: SecureLink{Prefix: "abc123", FileID: 45}},
		{name: "leading slash", path: "/AbC-_z7", want: SecureLink{Prefix: "AbC-_z", FileID: 7}},
		{name: "numeric prefix", path: "123456789", want: SecureLink{Prefix: "123456", FileID: 789}},
		{name: "plain with hash", path: "42", query: url.Values{"hash": {"abc123"}}, want: SecureLink{Prefix: "abc123", FileID: 42}},
		{name: "plain with name", path: "42/movie.mkv", query: url.Values{"hash": {"abc123"}}, want: SecureLink{Prefix: "abc123", FileID: 42}},
		{name: "plain without hash", path: "42", kind: BadRequest},
		{name: "garbage", path: "not-a-link!", kind: BadRequest},
		{name: "empty", path: "", kind: BadRequest},
		{name: "overflow", path: "abc123999999999999999999999", kind: BadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseLink(tc.path, tc.query)
			if tc.kind != Unexpected {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				if KindOf(err) != tc.kind {
					t.Fatalf("expected kind %s, got %s", tc.kind, KindOf(err))
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseLink: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %+v, got %+v", tc.want, got)
			}
		})
	}
}

func TestValidateHashProperty(t *testing.T) {
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-_"
	rng := rand.New(rand.NewSource(3))
	randomString := func(n int) string {
		b := make([]byte, n)
		for i := range b {
			b[i] = alphabet[rng.Intn(len(alphabet))]
		}
		return string(b)
	}
	for i := 0; i < 500; i++ {
		canonical := randomString(6 + rng.Intn(20))
		file := models.FileDescriptor{ID: int64(i), CanonicalID: canonical}
		if err := ValidateHash(file, canonical[:6]); err != nil {
			t.Fatalf("expected %q to validate against %q: %v", canonical[:6], canonical, err)
		}
		other := randomString(6)
		err := ValidateHash(file, other)
		if other == canonical[:6] {
			continue
		}
		var gerr *Error
		if !errors.As(err, &gerr) || gerr.Kind != InvalidLink {
			t.Fatalf("expected InvalidLink for %q against %q, got %v", other, canonical, err)
		}
	}
}

func TestValidateHashShortCanonicalID(t *testing.T) {
	file := models.FileDescriptor{CanonicalID: "abc"}
	if err := ValidateHash(file, "abc"); KindOf(err) != InvalidLink {
		t.Fatalf("expected short canonical ids to never validate, got %v", err)
	}
}

func TestPath(t *testing.T) {
	file := models.FileDescriptor{ID: 99, CanonicalID: "xyz789abc"}
	if got := Path(file); got != "xyz78999" {
		t.Fatalf("expected xyz78999, got %s", got)
	}
	link, err := ParseLink(Path(file), nil)
	if err != nil || link.FileID != 99 || link.Prefix != "xyz789" {
		t.Fatalf("expected path to parse back, got %+v (%v)", link, err)
	}
}
