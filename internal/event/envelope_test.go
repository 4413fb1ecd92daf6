package event

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const directBody = `{
	"Records": [
		{"s3": {"bucket": {"name": "uploads"}, "object": {"key": "42-photo.jpg"}}},
		{"s3": {"bucket": {"name": "uploads"}, "object": {"key": "43-cat.png"}}}
	]
}`

func wrappedBody(t *testing.T, inner string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]string{"Message": inner})
	require.NoError(t, err)
	return body
}

func TestDecodeRecordsDirect(t *testing.T) {
	records, err := DecodeRecords([]byte(directBody))
	require.NoError(t, err)

	assert.Equal(t, []ObjectRecord{
		{Bucket: "uploads", Key: "42-photo.jpg"},
		{Bucket: "uploads", Key: "43-cat.png"},
	}, records)
}

func TestDecodeRecordsWrapped(t *testing.T) {
	direct, err := DecodeRecords([]byte(directBody))
	require.NoError(t, err)

	wrapped, err := DecodeRecords(wrappedBody(t, directBody))
	require.NoError(t, err)

	// Both envelope shapes decode to the identical set of records.
	assert.Equal(t, direct, wrapped)
}

func TestDecodeRecordsUnwrapsOnlyOneLevel(t *testing.T) {
	// Message-in-Message: the inner wrapper has no Records of its own,
	// and the second level must not be unwrapped.
	doubleWrapped := wrappedBody(t, string(wrappedBody(t, directBody)))

	records, err := DecodeRecords(doubleWrapped)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestDecodeRecordsMalformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", "this is not json"},
		{"empty", ""},
		{"nested not json", `{"Message": "not json either"}`},
		{"wrong types", `{"Records": "oops"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeRecords([]byte(tt.body))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestDecodeRecordsNoRecords(t *testing.T) {
	records, err := DecodeRecords([]byte(`{"Service":"Amazon S3","Event":"s3:TestEvent"}`))
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestDecodeRecordsSkipsEmptyKeys(t *testing.T) {
	body := `{"Records": [
		{"s3": {"bucket": {"name": "uploads"}, "object": {"key": ""}}},
		{"s3": {"bucket": {"name": "uploads"}, "object": {"key": "kept.jpg"}}}
	]}`

	records, err := DecodeRecords([]byte(body))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "kept.jpg", records[0].Key)
}

func TestDecodeRecordsUnescapesKeys(t *testing.T) {
	body := `{"Records": [
		{"s3": {"bucket": {"name": "uploads"}, "object": {"key": "my+holiday+photo.jpg"}}}
	]}`

	records, err := DecodeRecords([]byte(body))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "my holiday photo.jpg", records[0].Key)
}
