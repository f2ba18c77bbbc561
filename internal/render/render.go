// Package render builds the HTML watch page for a media file.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/url"
	"strings"

	"filestream/internal/gateway"
	"filestream/internal/models"
	"filestream/web"
)

const watchTemplate = "watch.html"

// Page is the data handed to the watch template.
type Page struct {
	Title     string
	StreamURL string
	MimeType  string
	Size      string
	Kind      string
}

// Renderer renders watch pages whose players point at PublicURL.
type Renderer struct {
	publicURL string
	tmpl      *template.Template
}

// New parses the embedded templates. publicURL is the externally reachable
// base of the gateway; an empty value produces relative links.
func New(publicURL string) (*Renderer, error) {
	templates, err := web.Templates()
	if err != nil {
		return nil, fmt.Errorf("render: load templates: %w", err)
	}
	tmpl, err := template.ParseFS(templates, "*.html")
	if err != nil {
		return nil, fmt.Errorf("render: parse templates: %w", err)
	}
	base := strings.TrimRight(strings.TrimSpace(publicURL), "/")
	if base != "" {
		if _, err := url.Parse(base); err != nil {
			return nil, fmt.Errorf("render: invalid public url: %w", err)
		}
	}
	return &Renderer{publicURL: base, tmpl: tmpl}, nil
}

// StreamURL returns the secure stream link for file.
func (r *Renderer) StreamURL(file models.FileDescriptor) string {
	return r.publicURL + "/" + gateway.Path(file)
}

// Render returns the watch page for file.
func (r *Renderer) Render(ctx context.Context, file models.FileDescriptor) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if file.HashPrefix() == "" {
		return "", errors.New("render: file has no canonical id")
	}
	title := file.DisplayName
	if title == "" {
		title = fmt.Sprintf("File %d", file.ID)
	}
	page := Page{
		Title:     title,
		StreamURL: r.StreamURL(file),
		MimeType:  file.ContentType(),
		Size:      HumanSize(file.Size),
		Kind:      mediaKind(file.ContentType()),
	}
	var buf bytes.Buffer
	if err := r.tmpl.ExecuteTemplate(&buf, watchTemplate, page); err != nil {
		return "", fmt.Errorf("render: execute %s: %w", watchTemplate, err)
	}
	return buf.String(), nil
}

func mediaKind(mimeType string) string {
	major, _, _ := strings.Cut(mimeType, "/")
	switch major {
	case "video", "audio":
		return major
	}
	return "file"
}

// HumanSize formats a byte count with binary units.
func HumanSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit && exp < 4; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %ciB", float64(size)/float64(div), "KMGTP"[exp])
}
