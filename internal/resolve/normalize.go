package resolve

import (
	"path"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Normalize returns the canonical form of a virtual path: rooted, cleaned,
// without a trailing slash, and in Unicode NFC so that names typed on macOS
// (NFD) match the listing.
func Normalize(p string) string {
	p = norm.NFC.String(p)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}

	return path.Clean(p)
}

// Segments splits a normalized path into its components. The root has none.
func Segments(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}

	return strings.Split(p, "/")
}

// joinPath appends a child name to a normalized directory path.
func joinPath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}

	return dir + "/" + name
}
