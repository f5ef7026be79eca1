package utils

import (
	"path/filepath"
	"strings"
)

// SanitizeFilename reduces a client-supplied filename to something safe for
// a Content-Disposition header and for logs: base name only, no control
// characters, no quotes.
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.TrimSpace(name))

	var b strings.Builder
	for _, r := range name {
		switch {
		case r < 0x20 || r == 0x7f:
			// drop control characters
		case r == '"' || r == '\\':
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}

	cleaned := b.String()
	if cleaned == "" || cleaned == "." || cleaned == ".." {
		return "file"
	}
	return cleaned
}
