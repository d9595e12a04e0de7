package forensic

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalizeSortsKeysAndStripsWhitespace(t *testing.T) {
	t.Parallel()

	out, err := CanonicalizeJSON([]byte(`{ "b": 1, "a": {"d": [true, null], "c": 1.5} }`))
	require.NoError(t, err)
	require.Equal(t, `{"a":{"c":1.5,"d":[true,null]},"b":1}`, string(out))
}

func TestCanonicalizeEscapesNonASCII(t *testing.T) {
	t.Parallel()

	out, err := Canonicalize(map[string]string{"note": "Vérifié <ok> \"q\"\n\x01\x7f😀"})
	require.NoError(t, err)
	require.Equal(t, `{"note":"V\u00e9rifi\u00e9 <ok> \"q\"\n\u0001\u007f\ud83d\ude00"}`, string(out))
}

func TestCanonicalizeFieldOrderIndependent(t *testing.T) {
	t.Parallel()

	a, err := CanonicalizeJSON([]byte(`{"alert":{"url":"x","risk_score":70},"evidences":[]}`))
	require.NoError(t, err)
	b, err := CanonicalizeJSON([]byte(`{"evidences":[],"alert":{"risk_score":70,"url":"x"}}`))
	require.NoError(t, err)
	require.Equal(t, a, b)

	c, err := CanonicalizeJSON([]byte(`{"evidences":[],"alert":{"risk_score":71,"url":"x"}}`))
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}

func TestCanonicalizeNumberForm(t *testing.T) {
	t.Parallel()

	out, err := Canonicalize(map[string]any{"whole": 5.0, "int": 7, "frac": 0.25, "big": 1e21})
	require.NoError(t, err)
	require.Equal(t, `{"big":1e+21,"frac":0.25,"int":7,"whole":5}`, string(out))

	again, err := CanonicalizeJSON(out)
	require.NoError(t, err)
	require.Equal(t, out, again)

	kept, err := CanonicalizeJSON([]byte(`{"whole":5.0}`))
	require.NoError(t, err)
	require.Equal(t, `{"whole":5.0}`, string(kept))
}

func TestCanonicalizeRejectsTrailingData(t *testing.T) {
	t.Parallel()

	_, err := CanonicalizeJSON([]byte(`{"a":1} {"b":2}`))
	require.Error(t, err)
	_, err = CanonicalizeJSON([]byte(`{"a":`))
	require.Error(t, err)
}
