package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2/hpack"
)

func TestHeaderEncoder_StatusOK(t *testing.T) {
	e := NewHeaderEncoder()
	assert.Equal(t, []byte{0x88}, e.StatusOK())
	// Static table hits never touch the dynamic table.
	assert.Equal(t, []byte{0x88}, e.StatusOK())
}

func TestHeaderDecoder_Path(t *testing.T) {
	enc := NewHeaderEncoder()
	dec := NewHeaderDecoder()

	for _, m := range []Method{MethodGetValue, MethodPutValue, MethodGetValue} {
		block := enc.Encode(RequestHeaders(m, "localhost")...)
		fields, err := dec.Decode(block)
		require.NoError(t, err)

		path, ok := HeaderValue(fields, PseudoHeaderPath)
		require.True(t, ok)
		assert.Equal(t, m.Path(), path)

		ct, ok := HeaderValue(fields, "content-type")
		require.True(t, ok)
		assert.Equal(t, "application/grpc", ct)
	}
}

func TestHeaderDecoder_Garbage(t *testing.T) {
	dec := NewHeaderDecoder()
	// Indexed field 0x7f... pointing past both tables.
	_, err := dec.Decode([]byte{0xff, 0xff, 0xff, 0x0f})
	require.Error(t, err)
}

func TestHeaderValue_Missing(t *testing.T) {
	_, ok := HeaderValue([]hpack.HeaderField{{Name: ":method", Value: "POST"}}, PseudoHeaderPath)
	assert.False(t, ok)
}
