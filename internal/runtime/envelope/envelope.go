// Package envelope implements the JSON wrapper that carries a typed payload
// and its named properties through the queue.
package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/drblury/queueflow/internal/runtime/jsoncodec"
	"github.com/drblury/queueflow/transport"
)

// Envelope wraps a payload with optional properties. Original is the backend
// message it was decoded from and is never serialized. Properties are written
// with their keys sorted, so insertion order is not preserved.
type Envelope[T any] struct {
	Body       T                 `json:"Body"`
	Properties map[string]any    `json:"Properties"`
	Original   transport.Message `json:"-"`

	hasBody bool
}

// New wraps body. A nil props stays nil on the wire and after decoding.
func New[T any](body T, props map[string]any) *Envelope[T] {
	return &Envelope[T]{Body: body, Properties: props, hasBody: true}
}

// AsJSON serializes the envelope to its wire form.
func (e *Envelope[T]) AsJSON() ([]byte, error) {
	return jsoncodec.Marshal(wire[T]{Body: e.Body, Properties: e.Properties})
}

// IsEmpty reports whether neither Body nor Properties were set.
func (e *Envelope[T]) IsEmpty() bool {
	return !e.hasBody && e.Properties == nil
}

type wire[T any] struct {
	Body       T              `json:"Body"`
	Properties map[string]any `json:"Properties"`
}

type rawWire struct {
	Body       json.RawMessage `json:"Body"`
	Properties map[string]any  `json:"Properties"`
}

// Decode parses data as an envelope. Content that is not an envelope (no
// Body and no Properties field, or not a JSON object at all) is decoded
// directly as T.
func Decode[T any](data []byte) (*Envelope[T], error) {
	var raw rawWire
	if err := jsoncodec.Unmarshal(data, &raw); err == nil {
		hasBody := len(raw.Body) > 0 && !bytes.Equal(bytes.TrimSpace(raw.Body), []byte("null"))
		if hasBody || raw.Properties != nil {
			env := &Envelope[T]{Properties: raw.Properties, hasBody: hasBody}
			if hasBody {
				if err := jsoncodec.Unmarshal(raw.Body, &env.Body); err != nil {
					return nil, fmt.Errorf("envelope: decode body: %w", err)
				}
			}
			return env, nil
		}
	}

	var body T
	if err := jsoncodec.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("envelope: decode raw payload: %w", err)
	}
	return &Envelope[T]{Body: body, hasBody: true}, nil
}

// PropertiesAs materializes the properties into O.
func PropertiesAs[O any](props map[string]any) (O, error) {
	var out O
	if props == nil {
		return out, nil
	}
	if err := jsoncodec.Convert(props, &out); err != nil {
		return out, fmt.Errorf("envelope: convert properties: %w", err)
	}
	return out, nil
}

// MergeProperties returns a copy of base with extra applied on top. It
// returns nil when both are empty.
func MergeProperties(base, extra map[string]any) map[string]any {
	if len(base) == 0 && len(extra) == 0 {
		return base
	}
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
