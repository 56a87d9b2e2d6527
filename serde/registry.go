package serde

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

const (
	typeKey  = "_type"
	valueKey = "_value"
)

// MarshalFunc encodes a registered value to JSON.
type MarshalFunc func(any) ([]byte, error)

// UnmarshalFunc decodes JSON produced by the matching MarshalFunc.
type UnmarshalFunc func([]byte) (any, error)

// TypeRegistry maps Go types to stable names so that checkpoint payloads
// decode back to their original types instead of generic maps.
type TypeRegistry struct {
	mu           sync.RWMutex
	byName       map[string]reflect.Type
	names        map[reflect.Type]string
	marshalers   map[reflect.Type]MarshalFunc
	unmarshalers map[reflect.Type]UnmarshalFunc
}

// NewTypeRegistry returns an empty registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		byName:       make(map[string]reflect.Type),
		names:        make(map[reflect.Type]string),
		marshalers:   make(map[reflect.Type]MarshalFunc),
		unmarshalers: make(map[reflect.Type]UnmarshalFunc),
	}
}

var globalTypeRegistry = NewTypeRegistry()

// GlobalTypeRegistry returns the process-wide registry used by NewJSONPlus.
func GlobalTypeRegistry() *TypeRegistry {
	return globalTypeRegistry
}

// Register registers T under name in the global registry.
//
//	type ChatState struct{ Messages []string }
//	serde.Register[ChatState]("ChatState")
func Register[T any](name string) error {
	return globalTypeRegistry.Register(reflect.TypeFor[T](), name)
}

// Register adds a struct (or pointer to struct) type under name.
func (r *TypeRegistry) Register(t reflect.Type, name string) error {
	if t == nil {
		return fmt.Errorf("cannot register nil type as %s", name)
	}
	kind := t.Kind()
	if kind == reflect.Pointer {
		kind = t.Elem().Kind()
	}
	if kind != reflect.Struct {
		return fmt.Errorf("type %s must be a struct or pointer to struct", t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.names[t]; ok && existing != name {
		return fmt.Errorf("type %v already registered as %s", t, existing)
	}
	if existing, ok := r.byName[name]; ok && existing != t {
		return fmt.Errorf("name %s already registered for type %v", name, existing)
	}

	r.byName[name] = t
	r.names[t] = name
	return nil
}

// RegisterWithCodec registers t with custom JSON encode/decode functions.
func (r *TypeRegistry) RegisterWithCodec(t reflect.Type, name string, marshal MarshalFunc, unmarshal UnmarshalFunc) error {
	if err := r.Register(t, name); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.marshalers[t] = marshal
	r.unmarshalers[t] = unmarshal
	return nil
}

// TypeByName returns the type registered under name.
func (r *TypeRegistry) TypeByName(name string) (reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[name]
	return t, ok
}

// NameOf returns the name t was registered under.
func (r *TypeRegistry) NameOf(t reflect.Type) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.names[t]
	return name, ok
}

// Marshal encodes value as JSON. Registered types are wrapped as
// {"_type": name, "_value": ...}; everything else is plain JSON.
func (r *TypeRegistry) Marshal(value any) ([]byte, error) {
	if value == nil {
		return []byte("null"), nil
	}

	t := reflect.TypeOf(value)
	name, ok := r.NameOf(t)
	if !ok {
		return json.Marshal(value)
	}

	r.mu.RLock()
	marshal := r.marshalers[t]
	r.mu.RUnlock()

	var (
		data []byte
		err  error
	)
	if marshal != nil {
		data, err = marshal(value)
	} else {
		data, err = json.Marshal(value)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", name, err)
	}

	return json.Marshal(map[string]any{
		typeKey:  name,
		valueKey: json.RawMessage(data),
	})
}

// Unmarshal decodes data into a new value. Wrapped payloads produce an
// instance of the registered type; anything else decodes as generic JSON.
func (r *TypeRegistry) Unmarshal(data []byte) (any, error) {
	name, value, wrapped, err := unwrap(data)
	if err != nil {
		return nil, err
	}
	if !wrapped {
		var result any
		if err := json.Unmarshal(data, &result); err != nil {
			return nil, err
		}
		return result, nil
	}

	t, ok := r.TypeByName(name)
	if !ok {
		return nil, fmt.Errorf("unknown type: %s", name)
	}

	r.mu.RLock()
	unmarshal := r.unmarshalers[t]
	r.mu.RUnlock()
	if unmarshal != nil {
		return unmarshal(value)
	}

	return newInstance(t, value)
}

// UnmarshalInto decodes data into out, unwrapping a registry envelope if present.
func (r *TypeRegistry) UnmarshalInto(data []byte, out any) error {
	name, value, wrapped, err := unwrap(data)
	if err != nil {
		return err
	}
	if !wrapped {
		return json.Unmarshal(data, out)
	}

	t, ok := r.TypeByName(name)
	if !ok {
		return json.Unmarshal(value, out)
	}

	r.mu.RLock()
	unmarshal := r.unmarshalers[t]
	r.mu.RUnlock()
	if unmarshal == nil {
		return json.Unmarshal(value, out)
	}

	v, err := unmarshal(value)
	if err != nil {
		return err
	}
	target := reflect.ValueOf(out)
	if target.Kind() != reflect.Pointer || target.IsNil() {
		return fmt.Errorf("unmarshal target must be a non-nil pointer, got %T", out)
	}
	src := reflect.ValueOf(v)
	if !src.Type().AssignableTo(target.Elem().Type()) {
		return fmt.Errorf("cannot assign %s to %s", src.Type(), target.Elem().Type())
	}
	target.Elem().Set(src)
	return nil
}

// unwrap reports whether data is a registry envelope and returns its parts.
func unwrap(data []byte) (name string, value json.RawMessage, wrapped bool, err error) {
	var envelope map[string]json.RawMessage
	if json.Unmarshal(data, &envelope) != nil {
		return "", nil, false, nil
	}
	rawName, ok := envelope[typeKey]
	if !ok || len(envelope) != 2 {
		return "", nil, false, nil
	}
	value, ok = envelope[valueKey]
	if !ok {
		return "", nil, false, nil
	}
	if err := json.Unmarshal(rawName, &name); err != nil {
		return "", nil, false, fmt.Errorf("failed to unmarshal type name: %w", err)
	}
	return name, value, true, nil
}

func newInstance(t reflect.Type, data []byte) (any, error) {
	if t.Kind() == reflect.Pointer {
		ptr := reflect.New(t.Elem())
		if err := json.Unmarshal(data, ptr.Interface()); err != nil {
			return nil, fmt.Errorf("failed to unmarshal value: %w", err)
		}
		return ptr.Interface(), nil
	}

	ptr := reflect.New(t)
	if err := json.Unmarshal(data, ptr.Interface()); err != nil {
		return nil, fmt.Errorf("failed to unmarshal value: %w", err)
	}
	return ptr.Elem().Interface(), nil
}
