package serde

import (
	"fmt"
	"reflect"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

// Serializer turns checkpoint payloads into bytes and back.
// Implementations must round-trip every value they accept.
type Serializer interface {
	Dumps(v any) ([]byte, error)
	Loads(data []byte, out any) error
}

// JSONPlus is the default Serializer: JSON with type names for registered types.
type JSONPlus struct {
	Registry *TypeRegistry
}

var _ Serializer = (*JSONPlus)(nil)

// NewJSONPlus returns a JSONPlus serializer over the global registry.
func NewJSONPlus() *JSONPlus {
	return &JSONPlus{Registry: GlobalTypeRegistry()}
}

func (s *JSONPlus) registry() *TypeRegistry {
	if s.Registry == nil {
		return GlobalTypeRegistry()
	}
	return s.Registry
}

// Dumps encodes v as JSON.
func (s *JSONPlus) Dumps(v any) ([]byte, error) {
	return s.registry().Marshal(v)
}

// Loads decodes data into out. When out is *any, registered types come back
// as their Go type.
func (s *JSONPlus) Loads(data []byte, out any) error {
	if p, ok := out.(*any); ok {
		v, err := s.registry().Unmarshal(data)
		if err != nil {
			return err
		}
		*p = v
		return nil
	}
	return s.registry().UnmarshalInto(data, out)
}

// Msgpack is a binary Serializer. Its output is not JSON, so savers store it
// base64-encoded.
type Msgpack struct {
	handle *codec.MsgpackHandle
}

var _ Serializer = (*Msgpack)(nil)

// NewMsgpack returns a Msgpack serializer that decodes maps as map[string]any.
func NewMsgpack() *Msgpack {
	h := &codec.MsgpackHandle{}
	h.MapType = reflect.TypeOf(map[string]any(nil))
	h.RawToString = true
	h.WriteExt = true
	return &Msgpack{handle: h}
}

// Dumps encodes v as msgpack.
func (s *Msgpack) Dumps(v any) ([]byte, error) {
	var out []byte
	if err := codec.NewEncoderBytes(&out, s.handle).Encode(v); err != nil {
		return nil, fmt.Errorf("failed to encode msgpack: %w", err)
	}
	return out, nil
}

// Loads decodes msgpack data into out.
func (s *Msgpack) Loads(data []byte, out any) error {
	if err := codec.NewDecoderBytes(data, s.handle).Decode(out); err != nil {
		return fmt.Errorf("failed to decode msgpack: %w", err)
	}
	return nil
}
