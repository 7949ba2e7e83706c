package encryption

import (
	"encoding/base64"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestCodecProperties checks round-trip and tamper properties over generated inputs
func TestCodecProperties(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping property-based test in short mode")
	}

	codec := newTestCodec(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("decrypt(encrypt(object)) == object", prop.ForAll(
		func(keys []string, values []string, n int64) bool {
			payload := make(map[string]any)
			for i, k := range keys {
				if i < len(values) {
					payload[k] = values[i]
				}
			}
			payload["n"] = float64(n)

			sealed, err := codec.Encrypt(payload)
			if err != nil {
				return false
			}
			got, err := codec.Decrypt(sealed.EncryptedData, sealed.IV)
			if err != nil {
				return false
			}
			return reflect.DeepEqual(got, payload)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
		gen.Int64Range(-1<<40, 1<<40),
	))

	properties.Property("any single flipped byte is detected", prop.ForAll(
		func(plaintext string, pos int) bool {
			sealed, err := codec.Encrypt(plaintext)
			if err != nil {
				return false
			}
			ct, _ := base64.StdEncoding.DecodeString(sealed.EncryptedData)
			i := pos % len(ct)
			ct[i] ^= 0x80

			_, err = codec.Decrypt(base64.StdEncoding.EncodeToString(ct), sealed.IV)
			return err != nil
		},
		gen.AlphaString(),
		gen.IntRange(0, 1<<16),
	))

	properties.TestingRun(t)
}
