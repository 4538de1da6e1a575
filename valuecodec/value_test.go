package valuecodec_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cameron/datahog/registry"
	"github.com/cameron/datahog/valuecodec"
)

// roundTripSchema is a trivial SERIAL schema used to exercise the
// schema-present branch of Wrap/Unwrap.
type roundTripSchema struct{}

func (roundTripSchema) Encode(v interface{}) ([]byte, error) {
	s := v.(string)
	return []byte("schema:" + s), nil
}

func (roundTripSchema) Decode(b []byte) (interface{}, error) {
	return string(b)[len("schema:"):], nil
}

func TestWrapUnwrapRoundTrip(t *testing.T) {
	cases := []struct {
		name   string
		class  registry.StorageClass
		value  interface{}
		schema valuecodec.Schema
	}{
		{"null", registry.ClassNull, nil, nil},
		{"int", registry.ClassInt, int64(-42), nil},
		{"str", registry.ClassStr, []byte("raw bytes"), nil},
		{"utf8", registry.ClassUTF8, "héllo wörld", nil},
		{"serial-no-schema", registry.ClassSerial, []byte("blob"), nil},
		{"serial-with-schema", registry.ClassSerial, "payload", roundTripSchema{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			encoded, err := valuecodec.Wrap(tc.class, tc.value, tc.schema)
			require.NoError(t, err)

			decoded, err := valuecodec.Unwrap(tc.class, encoded, tc.schema)
			require.NoError(t, err)

			switch want := tc.value.(type) {
			case []byte:
				require.Equal(t, want, decoded)
			default:
				require.Equal(t, tc.value, decoded)
			}
		})
	}
}

func TestWrapRejectsWrongType(t *testing.T) {
	_, err := valuecodec.Wrap(registry.ClassInt, "not an int", nil)
	require.Error(t, err)

	_, err = valuecodec.Wrap(registry.ClassUTF8, 42, nil)
	require.Error(t, err)

	_, err = valuecodec.Wrap(registry.ClassNull, "surprise", nil)
	require.Error(t, err)
}

func TestUnwrapRejectsInvalidUTF8(t *testing.T) {
	_, err := valuecodec.Unwrap(registry.ClassUTF8, []byte{0xff, 0xfe}, nil)
	require.Error(t, err)
}

func TestUnwrapRejectsShortInt(t *testing.T) {
	_, err := valuecodec.Unwrap(registry.ClassInt, []byte{1, 2, 3}, nil)
	require.Error(t, err)
}
