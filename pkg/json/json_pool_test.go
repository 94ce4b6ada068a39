package json

import (
	"bytes"
	"strings"
	"testing"

	gojson "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalLines(t *testing.T) {
	out, err := MarshalLines([]interface{}{
		map[string]interface{}{"id": "a"},
		map[string]interface{}{"id": "b", "html": "<b>"},
	})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSuffix(string(out), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, `{"id":"a"}`, lines[0])
	assert.Contains(t, lines[1], "<b>")
}

func TestDecoderKeepsLargeIntegers(t *testing.T) {
	var v map[string]interface{}
	require.NoError(t, NewDecoder(bytes.NewBufferString(`{"n": 9007199254740993}`)).Decode(&v))

	n, ok := v["n"].(gojson.Number)
	require.True(t, ok)
	assert.Equal(t, "9007199254740993", n.String())
}
