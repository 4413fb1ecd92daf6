package storage

import (
	"fmt"
	"path"
	"strings"
	"time"
	"unicode"
)

// ObjectKey assigns a collision-resistant key for an uploaded file:
// the current unix timestamp followed by the sanitized filename.
func ObjectKey(filename string) string {
	return fmt.Sprintf("%d-%s", time.Now().Unix(), SanitizeFilename(filename))
}

// SanitizeFilename strips path components and reduces the name to a safe
// character set. An empty result falls back to "upload".
func SanitizeFilename(name string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))

	var b strings.Builder
	for _, r := range base {
		switch {
		case unicode.IsLetter(r) && r < unicode.MaxASCII, unicode.IsDigit(r) && r < unicode.MaxASCII:
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('_')
		}
	}

	clean := strings.Trim(b.String(), "._-")
	if clean == "" {
		return "upload"
	}
	return clean
}
