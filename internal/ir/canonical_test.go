package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonicalSortsKeys(t *testing.T) {
	got, err := MarshalCanonical(map[string]any{"b": 1, "a": "x", "c": true})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","b":1,"c":true}`, string(got))
}

func TestMarshalCanonicalUTF16KeyOrder(t *testing.T) {
	// U+1F600 encodes as surrogate 0xD83D, which sorts before U+FFFD in UTF-16
	// but after it in UTF-8.
	got, err := MarshalCanonical(map[string]any{"\uFFFD": 1, "\U0001F600": 2})
	require.NoError(t, err)
	assert.Equal(t, "{\"\U0001F600\":2,\"\uFFFD\":1}", string(got))
}

func TestMarshalCanonicalNoHTMLEscape(t *testing.T) {
	got, err := MarshalCanonical("<a & b>")
	require.NoError(t, err)
	assert.Equal(t, `"<a & b>"`, string(got))
}

func TestMarshalCanonicalLineSeparatorsLiteral(t *testing.T) {
	got, err := MarshalCanonical("x\u2028y")
	require.NoError(t, err)
	assert.Equal(t, "\"x\u2028y\"", string(got))

	// A literal backslash followed by "u2029" stays escaped.
	got, err = MarshalCanonical(`a\u2029`)
	require.NoError(t, err)
	assert.Equal(t, `"a\\u2029"`, string(got))
}

func TestMarshalCanonicalControlCharacters(t *testing.T) {
	got, err := MarshalCanonical("a\nb\u0001")
	require.NoError(t, err)
	assert.Equal(t, `"a\nb\u0001"`, string(got))
}

func TestMarshalCanonicalNFC(t *testing.T) {
	a, err := MarshalCanonical("caf\u00e9")
	require.NoError(t, err)
	b, err := MarshalCanonical("cafe\u0301")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestMarshalCanonicalRejectsFloatsAndNull(t *testing.T) {
	_, err := MarshalCanonical(1.5)
	assert.Error(t, err)

	_, err = MarshalCanonical(map[string]any{"x": nil})
	assert.Error(t, err)

	_, err = MarshalCanonical(struct{}{})
	assert.Error(t, err)
}

func TestMarshalCanonicalNestedArrays(t *testing.T) {
	got, err := MarshalCanonical([]any{"a", int64(2), []string{"x", "y"}})
	require.NoError(t, err)
	assert.Equal(t, `["a",2,["x","y"]]`, string(got))
}
