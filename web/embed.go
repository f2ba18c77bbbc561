package web

import (
	"embed"
	"io/fs"
)

// templateFiles bundles the HTML pages served by the gateway.
//
//go:embed templates/*.html
var templateFiles embed.FS

// Templates returns a filesystem rooted at the bundled page templates.
func Templates() (fs.FS, error) {
	return fs.Sub(templateFiles, "templates")
}
