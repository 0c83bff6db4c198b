// Package codec converts entity values to and from bytes. The same codec
// serializes the payload an entity is stored with and the payload a cache
// entry carries.
package codec

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

// Names accepted by ByName.
const (
	NameJSON          = "json"
	NameCBOR          = "cbor"
	NameCBORCanonical = "cbor-canonical"
	NameMsgpack       = "msgpack"
)

// ByName resolves a codec from configuration. An empty name selects JSON.
func ByName[V any](name string) (Codec[V], error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", NameJSON:
		return JSON[V]{}, nil
	case NameCBOR:
		return NewCBOR[V](false)
	case NameCBORCanonical:
		return NewCBOR[V](true)
	case NameMsgpack:
		return Msgpack[V]{}, nil
	default:
		return nil, fmt.Errorf("codec: unknown codec %q", name)
	}
}

// JSON uses encoding/json. The zero value is ready to use.
type JSON[V any] struct{}

func (JSON[V]) Encode(v V) ([]byte, error) { return json.Marshal(v) }

func (JSON[V]) Decode(b []byte) (V, error) {
	var v V
	err := json.Unmarshal(b, &v)
	return v, err
}

// Limit rejects payloads larger than MaxDecode before handing them to Inner.
// Entries in a shared cache are not trusted to be small.
type Limit[V any] struct {
	Inner     Codec[V]
	MaxDecode int // <= 0 disables the check
}

func (c Limit[V]) Encode(v V) ([]byte, error) { return c.Inner.Encode(v) }

func (c Limit[V]) Decode(b []byte) (V, error) {
	if c.MaxDecode > 0 && len(b) > c.MaxDecode {
		var zero V
		return zero, fmt.Errorf("codec: payload too large: %d > %d", len(b), c.MaxDecode)
	}
	return c.Inner.Decode(b)
}

// Bytes passes raw payloads through untouched.
type Bytes struct{}

func (Bytes) Encode(b []byte) ([]byte, error) { return b, nil }
func (Bytes) Decode(b []byte) ([]byte, error) { return b, nil }
