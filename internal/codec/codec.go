// Package codec defines the encoding interface used by message streams and
// a registry for negotiating codecs by content type.
package codec

import (
	"encoding/json"

	"github.com/chronologos/telem/internal/protocol"
)

// Codec encodes and decodes stream messages.
type Codec interface {
	ContentType() string
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// JSON is the generic codec.
var JSON Codec = jsonCodec{}

type jsonCodec struct{}

func (jsonCodec) ContentType() string { return protocol.ContentTypeJSON }

func (jsonCodec) Encode(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return err
	}
	if val, ok := v.(protocol.Validator); ok {
		return val.Validate()
	}
	return nil
}
