package content

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecRoundTrip(t *testing.T) {
	key := DeriveKey("unit-test-passphrase-please-ignore")

	short := "MSH|^~\\&|SENDER|..."
	long := strings.Repeat("PID|1|2|3|4|5\r", 200)

	cases := []struct {
		name string
		text string
	}{
		{"short", short},
		{"long", long},
		{"empty", ""},
	}

	for _, tc := range cases {
		for _, compress := range []bool{true, false} {
			for _, encrypt := range []bool{true, false} {
				name := tc.name + "/compress=" + boolStr(compress) + "/encrypt=" + boolStr(encrypt)
				t.Run(name, func(t *testing.T) {
					codec := NewCodec(nil)
					if encrypt {
						codec = NewCodec(key)
					}
					if !compress {
						codec.Threshold = 1 << 30 // effectively disables compression
					}

					in := New(TypeRaw, tc.text, "text/plain")
					encoded, err := codec.Encode(in)
					require.NoError(t, err)

					decoded, err := codec.Decode(encoded)
					require.NoError(t, err)
					assert.Equal(t, tc.text, decoded.Text)
					assert.Equal(t, in.Type, decoded.Type)
				})
			}
		}
	}
}

func TestCodecEncryptedTypeScope(t *testing.T) {
	key := DeriveKey("k")
	codec := NewCodec(key)

	// TypeTransformed is not in the default EncryptTypes set.
	in := New(TypeTransformed, "hello", "text/plain")
	encoded, err := codec.Encode(in)
	require.NoError(t, err)
	assert.False(t, encoded.Encrypted)

	decoded, err := codec.Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, "hello", decoded.Text)
}

func TestCodecDecryptWithoutKeyFails(t *testing.T) {
	key := DeriveKey("k")
	codec := NewCodec(key)

	encoded, err := codec.Encode(New(TypeRaw, "secret", ""))
	require.NoError(t, err)
	require.True(t, encoded.Encrypted)

	noKeyCodec := NewCodec(nil)
	_, err = noKeyCodec.Decode(encoded)
	assert.Error(t, err)
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
