package canon

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// Map key order must not affect the encoding or the digest.
func TestCanonicalSortScenario(t *testing.T) {
	a := map[string]interface{}{
		"b": uint64(1),
		"a": map[string]interface{}{"inner": uint64(2)},
	}
	b := map[string]interface{}{
		"a": map[string]interface{}{"inner": uint64(2)},
		"b": uint64(1),
	}

	encA, err := Encode(a)
	require.NoError(t, err)
	encB, err := Encode(b)
	require.NoError(t, err)
	require.Equal(t, encA, encB)

	hashA, err := HashValue(a)
	require.NoError(t, err)
	hashB, err := HashValue(b)
	require.NoError(t, err)
	require.Equal(t, hashA, hashB)
}

func TestRoundTrip(t *testing.T) {
	v := map[string]interface{}{
		"text":   "hello",
		"number": uint64(42),
		"nested": []interface{}{uint64(1), uint64(2), uint64(3)},
	}
	b, err := Encode(v)
	require.NoError(t, err)

	var decoded interface{}
	require.NoError(t, Decode(b, &decoded))

	reencoded, err := Encode(decoded)
	require.NoError(t, err)
	require.Equal(t, b, reencoded)
}

func TestHashTextualForm(t *testing.T) {
	h, err := HashValue("anything")
	require.NoError(t, err)
	s := h.String()
	require.Len(t, s, len("sha256:")+64)

	parsed, err := ParseHash(s)
	require.NoError(t, err)
	require.Equal(t, h, parsed)

	_, err = ParseHash("sha256:tooshort")
	require.ErrorIs(t, err, ErrInvalidHash)

	_, err = ParseHash("md5:" + s[len("sha256:"):])
	require.ErrorIs(t, err, ErrInvalidHash)
}
