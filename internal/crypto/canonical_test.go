package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalJSON_SortsAndStrips(t *testing.T) {
	got, err := CanonicalJSON(map[string]any{
		"b":          2,
		"a":          []any{1, "x"},
		"signatures": map[string]any{"@a:b": map[string]string{"ed25519:A": "sig"}},
		"unsigned":   map[string]any{"age": 5},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":[1,"x"],"b":2}`, string(got))
}

func TestCanonicalJSON_LiteralUnicode(t *testing.T) {
	// encoding/json escapes these; the canonical form carries them as UTF-8.
	got, err := CanonicalJSON(map[string]string{"name": "line\u2028sep <&>"})
	require.NoError(t, err)
	assert.Equal(t, "{\"name\":\"line\u2028sep <&>\"}", string(got))
}

func TestSignJSON_SeparatorInSignedField(t *testing.T) {
	priv, pub, err := GenerateEd25519()
	require.NoError(t, err)
	obj := map[string]any{"device_id": "ALICE", "display_name": "phone\u2028tablet"}
	sig, err := SignJSON(priv, obj)
	require.NoError(t, err)
	require.NoError(t, VerifySignatureB64(pub, obj, sig))

	// A signature over the literal canonical bytes must match ours.
	canon := []byte("{\"device_id\":\"ALICE\",\"display_name\":\"phone\u2028tablet\"}")
	assert.Equal(t, sig, B64(SignEd25519(priv, canon)))

	obj["display_name"] = "phone\u2029tablet"
	assert.ErrorIs(t, VerifySignatureB64(pub, obj, sig), ErrBadSignature)
}
