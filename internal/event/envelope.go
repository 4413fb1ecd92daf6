// Package event decodes S3 object-created notification envelopes, as
// delivered either directly on the upload queue or wrapped one level
// inside an SNS message body.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
)

// ErrMalformed reports a body that decodes as neither envelope shape.
var ErrMalformed = errors.New("malformed event envelope")

// ObjectRecord identifies one created object.
type ObjectRecord struct {
	Bucket string
	Key    string
}

// rawEnvelope covers both envelope shapes: a direct Records list, or an
// SNS-style wrapper whose Message field carries the Records JSON as text.
type rawEnvelope struct {
	Records []rawRecord `json:"Records"`
	Message string      `json:"Message"`
}

type rawRecord struct {
	S3 struct {
		Bucket struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object struct {
			Key string `json:"key"`
		} `json:"object"`
	} `json:"s3"`
}

// DecodeRecords extracts the object records from an envelope body.
// A wrapped Message is unwrapped exactly one level. Records without an
// object key are skipped; a decodable envelope with no records yields an
// empty slice and no error.
func DecodeRecords(body []byte) ([]ObjectRecord, error) {
	var env rawEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	raw := env.Records
	if len(raw) == 0 && env.Message != "" {
		var nested struct {
			Records []rawRecord `json:"Records"`
		}
		if err := json.Unmarshal([]byte(env.Message), &nested); err != nil {
			return nil, fmt.Errorf("%w: nested message: %v", ErrMalformed, err)
		}
		raw = nested.Records
	}

	records := make([]ObjectRecord, 0, len(raw))
	for _, r := range raw {
		key := r.S3.Object.Key
		if key == "" {
			continue
		}
		// S3 URL-encodes keys in notification payloads (spaces become "+").
		if decoded, err := url.QueryUnescape(key); err == nil {
			key = decoded
		}
		records = append(records, ObjectRecord{
			Bucket: r.S3.Bucket.Name,
			Key:    key,
		})
	}

	return records, nil
}
