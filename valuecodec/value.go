// Package valuecodec implements storage-class coercion between caller
// values and opaque bytes, over the NULL/INT/STR/UTF8/SERIAL classes,
// plus the flag bitmap codec.
package valuecodec

import (
	"encoding/binary"
	"unicode/utf8"

	"github.com/cameron/datahog/errors"
	"github.com/cameron/datahog/registry"
)

// Schema optionally validates and reverse-transforms SERIAL-class
// values. A nil Schema means the codec's bytes are passed through
// unchanged.
type Schema interface {
	// Encode validates v and returns its encoded byte form.
	Encode(v interface{}) ([]byte, error)
	// Decode runs the schema's reverse transform over encoded bytes.
	Decode(b []byte) (interface{}, error)
}

// Wrap enforces ctx's storage class against v and returns its persisted
// byte form. schema is consulted only for ClassSerial and
// may be nil.
func Wrap(class registry.StorageClass, v interface{}, schema Schema) ([]byte, error) {
	switch class {
	case registry.ClassNull:
		if v != nil {
			return nil, errors.NewStorageClassError(0, "NULL")
		}
		return nil, nil

	case registry.ClassInt:
		i, ok := toInt64(v)
		if !ok {
			return nil, errors.NewStorageClassError(0, "INT")
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(i))
		return buf, nil

	case registry.ClassStr:
		b, ok := v.([]byte)
		if !ok {
			return nil, errors.NewStorageClassError(0, "STR")
		}
		out := make([]byte, len(b))
		copy(out, b)
		return out, nil

	case registry.ClassUTF8:
		s, ok := v.(string)
		if !ok || !utf8.ValidString(s) {
			return nil, errors.NewStorageClassError(0, "UTF8")
		}
		return []byte(s), nil

	case registry.ClassSerial:
		if schema != nil {
			return schema.Encode(v)
		}
		b, ok := v.([]byte)
		if !ok {
			return nil, errors.NewStorageClassError(0, "SERIAL")
		}
		out := make([]byte, len(b))
		copy(out, b)
		return out, nil

	default:
		return nil, errors.NewStorageClassError(0, "unknown")
	}
}

// Unwrap is Wrap's inverse: it decodes a persisted byte form back into a
// caller value according to ctx's storage class.
func Unwrap(class registry.StorageClass, b []byte, schema Schema) (interface{}, error) {
	switch class {
	case registry.ClassNull:
		return nil, nil

	case registry.ClassInt:
		if len(b) != 8 {
			return nil, errors.NewStorageClassError(0, "INT")
		}
		return int64(binary.BigEndian.Uint64(b)), nil

	case registry.ClassStr:
		out := make([]byte, len(b))
		copy(out, b)
		return out, nil

	case registry.ClassUTF8:
		if !utf8.Valid(b) {
			return nil, errors.NewStorageClassError(0, "UTF8")
		}
		return string(b), nil

	case registry.ClassSerial:
		if schema != nil {
			return schema.Decode(b)
		}
		out := make([]byte, len(b))
		copy(out, b)
		return out, nil

	default:
		return nil, errors.NewStorageClassError(0, "unknown")
	}
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint64:
		return int64(n), true
	default:
		return 0, false
	}
}
