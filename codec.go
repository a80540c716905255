package warden

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"sync"
	"time"

	"github.com/aadithya-v/warden/store"
)

// Built-in envelope type tags.
const (
	TypeString  = "string"
	TypeBytes   = "bytes"
	TypeBool    = "bool"
	TypeInt     = "int"
	TypeInt64   = "int64"
	TypeFloat64 = "float64"
	TypeTime    = "time"
	// TypeJSON holds map[string]any and []any values. They decode with
	// encoding/json semantics, so numbers come back as float64.
	TypeJSON = "json"
)

var builtinTypes = map[string]bool{
	TypeString: true, TypeBytes: true, TypeBool: true, TypeInt: true,
	TypeInt64: true, TypeFloat64: true, TypeTime: true, TypeJSON: true,
}

// Codec converts attribute values to and from tagged envelopes.
// Custom types are stored as JSON under the tag they were registered with
// and decode back to the same Go type.
type Codec struct {
	mu     sync.RWMutex
	byTag  map[string]reflect.Type
	byType map[reflect.Type]string
}

// NewCodec returns a codec with SecurityContext and ClientInfo registered.
func NewCodec() *Codec {
	c := &Codec{
		byTag:  make(map[string]reflect.Type),
		byType: make(map[reflect.Type]string),
	}
	c.mustRegister("warden.SecurityContext", SecurityContext{})
	c.mustRegister("warden.ClientInfo", ClientInfo{})
	return c
}

// Register associates tag with the dynamic type of sample. Values of that
// type are then encoded as JSON and decoded back into the same type.
func (c *Codec) Register(tag string, sample any) error {
	if tag == "" || builtinTypes[tag] {
		return fmt.Errorf("warden: cannot register type tag %q", tag)
	}
	if sample == nil {
		return fmt.Errorf("warden: cannot register nil sample for %q", tag)
	}
	t := reflect.TypeOf(sample)

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.byTag[tag]; ok && existing != t {
		return fmt.Errorf("warden: type tag %q already registered for %s", tag, existing)
	}
	c.byTag[tag] = t
	c.byType[t] = tag
	return nil
}

func (c *Codec) mustRegister(tag string, sample any) {
	if err := c.Register(tag, sample); err != nil {
		panic(err)
	}
}

// Encode serializes v.
func (c *Codec) Encode(v any) (store.Envelope, error) {
	switch v := v.(type) {
	case string:
		return store.Envelope{Type: TypeString, Data: []byte(v)}, nil
	case []byte:
		return store.Envelope{Type: TypeBytes, Data: append([]byte(nil), v...)}, nil
	case bool:
		return store.Envelope{Type: TypeBool, Data: strconv.AppendBool(nil, v)}, nil
	case int:
		return store.Envelope{Type: TypeInt, Data: strconv.AppendInt(nil, int64(v), 10)}, nil
	case int64:
		return store.Envelope{Type: TypeInt64, Data: strconv.AppendInt(nil, v, 10)}, nil
	case float64:
		return store.Envelope{Type: TypeFloat64, Data: strconv.AppendFloat(nil, v, 'g', -1, 64)}, nil
	case time.Time:
		b, err := v.MarshalText()
		if err != nil {
			return store.Envelope{}, fmt.Errorf("warden: encode time: %w", err)
		}
		return store.Envelope{Type: TypeTime, Data: b}, nil
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return store.Envelope{}, fmt.Errorf("warden: encode json: %w", err)
		}
		return store.Envelope{Type: TypeJSON, Data: b}, nil
	}

	c.mu.RLock()
	tag, ok := c.byType[reflect.TypeOf(v)]
	c.mu.RUnlock()
	if !ok {
		return store.Envelope{}, fmt.Errorf("%w: %T", ErrUnsupportedType, v)
	}

	b, err := json.Marshal(v)
	if err != nil {
		return store.Envelope{}, fmt.Errorf("warden: encode %s: %w", tag, err)
	}
	return store.Envelope{Type: tag, Data: b}, nil
}

// Decode deserializes an envelope produced by Encode.
func (c *Codec) Decode(env store.Envelope) (any, error) {
	switch env.Type {
	case TypeString:
		return string(env.Data), nil
	case TypeBytes:
		return append([]byte{}, env.Data...), nil
	case TypeBool:
		return strconv.ParseBool(string(env.Data))
	case TypeInt:
		n, err := strconv.ParseInt(string(env.Data), 10, 0)
		return int(n), err
	case TypeInt64:
		return strconv.ParseInt(string(env.Data), 10, 64)
	case TypeFloat64:
		return strconv.ParseFloat(string(env.Data), 64)
	case TypeTime:
		var t time.Time
		err := t.UnmarshalText(env.Data)
		return t, err
	case TypeJSON:
		var v any
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, fmt.Errorf("warden: decode json: %w", err)
		}
		return v, nil
	}

	c.mu.RLock()
	t, ok := c.byTag[env.Type]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if t.Kind() == reflect.Pointer {
		ptr := reflect.New(t.Elem())
		if err := json.Unmarshal(env.Data, ptr.Interface()); err != nil {
			return nil, fmt.Errorf("warden: decode %s: %w", env.Type, err)
		}
		return ptr.Interface(), nil
	}

	ptr := reflect.New(t)
	if err := json.Unmarshal(env.Data, ptr.Interface()); err != nil {
		return nil, fmt.Errorf("warden: decode %s: %w", env.Type, err)
	}
	return ptr.Elem().Interface(), nil
}
