package canonical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal_SortsKeysByUTF16(t *testing.T) {
	// U+1F600 encodes as a surrogate pair (0xD83D...), which sorts before
	// U+FB01 in UTF-16 but after it in UTF-8.
	obj := Object{
		"\uFB01":     Int(1),
		"\U0001F600": Int(2),
		"a":          Int(3),
	}
	got, err := Marshal(obj)
	require.NoError(t, err)
	assert.Equal(t, "{\"a\":3,\"\U0001F600\":2,\"\uFB01\":1}", string(got))
}

func TestMarshal_NoHTMLEscaping(t *testing.T) {
	got, err := Marshal(String("<a&b>"))
	require.NoError(t, err)
	assert.Equal(t, `"<a&b>"`, string(got))
}

func TestMarshal_LineSeparatorsNotEscaped(t *testing.T) {
	got, err := Marshal(String("x\u2028y\u2029"))
	require.NoError(t, err)
	assert.Equal(t, "\"x\u2028y\u2029\"", string(got))
}

func TestMarshal_ControlCharacters(t *testing.T) {
	got, err := Marshal(String("a\nb\x01\"\\"))
	require.NoError(t, err)
	assert.Equal(t, `"a\nb\u0001\"\\"`, string(got))
}

func TestMarshal_NFCNormalization(t *testing.T) {
	decomposed, err := Marshal(String("e\u0301"))
	require.NoError(t, err)
	composed, err := Marshal(String("\u00e9"))
	require.NoError(t, err)
	assert.Equal(t, composed, decomposed)
}

func TestMarshal_BytesAsHex(t *testing.T) {
	got, err := Marshal(Object{"h": Bytes{0xde, 0xad}, "n": Int(-7), "ok": Bool(true)})
	require.NoError(t, err)
	assert.Equal(t, `{"h":"dead","n":-7,"ok":true}`, string(got))
}

func TestMarshal_RejectsNil(t *testing.T) {
	_, err := Marshal(Array{String("x"), nil})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "array[1]")
}

func TestFrame_SeparatesDomain(t *testing.T) {
	a := Frame("ab", []byte("c"))
	b := Frame("a", []byte("bc"))
	assert.NotEqual(t, a, b)
	assert.Equal(t, []byte("ab\x00\x00\x00\x00\x01c"), a)
}

func TestFrame_SeparatesParts(t *testing.T) {
	a := Frame("d", []byte("ab"), []byte("c"))
	b := Frame("d", []byte("a"), []byte("bc"))
	assert.NotEqual(t, a, b)
}

func TestUint64_BigEndian(t *testing.T) {
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 1, 2}, Uint64(258))
}
