package codec

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/austindbirch/crpt_submit/internal/apierr"
)

// ContentType is sent with every JSON body the client produces.
const ContentType = "application/json;charset=UTF-8"

// ErrEmptyBody is returned when there is nothing to decode.
var ErrEmptyBody = errors.New("empty body")

// JSON converts documents and auth payloads to and from the wire format.
// Unknown response fields are ignored.
type JSON struct{}

// Encode marshals v.
func (JSON) Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, apierr.New(apierr.KindCodec, "codec.encode", err)
	}
	return b, nil
}

// Decode unmarshals b into v. An empty or whitespace-only body is a codec error.
func (JSON) Decode(b []byte, v any) error {
	if len(bytes.TrimSpace(b)) == 0 {
		return apierr.New(apierr.KindCodec, "codec.decode", ErrEmptyBody)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return apierr.New(apierr.KindCodec, "codec.decode", err)
	}
	return nil
}

// IsNull reports whether b is the JSON literal null.
func IsNull(b []byte) bool {
	return bytes.Equal(bytes.TrimSpace(b), []byte("null"))
}
