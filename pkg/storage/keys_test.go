package storage

import (
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "photo.jpg", "photo.jpg"},
		{"spaces", "my holiday photo.jpg", "my_holiday_photo.jpg"},
		{"path traversal", "../../etc/passwd", "passwd"},
		{"windows path", `C:\Users\me\cat.png`, "cat.png"},
		{"special chars", "ph$o%t!o@#.jpg", "photo.jpg"},
		{"only junk", "###", "upload"},
		{"empty", "", "upload"},
		{"leading dots", "...hidden.jpg", "hidden.jpg"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeFilename(tt.in))
		})
	}
}

func TestObjectKeyTimestampPrefix(t *testing.T) {
	key := ObjectKey("photo.jpg")

	prefix, rest, found := strings.Cut(key, "-")
	require.True(t, found, "key %q should contain a timestamp prefix", key)

	_, err := strconv.ParseInt(prefix, 10, 64)
	require.NoError(t, err, "prefix of %q should be a unix timestamp", key)
	assert.Equal(t, "photo.jpg", rest)
}
