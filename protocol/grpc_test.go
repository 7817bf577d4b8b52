package protocol

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, r *Reassembler) [][]byte {
	t.Helper()
	var out [][]byte
	for {
		msg, err := r.Next()
		require.NoError(t, err)
		if msg == nil {
			return out
		}
		out = append(out, msg)
	}
}

func TestEncodeMessage_Layout(t *testing.T) {
	enc, err := EncodeMessage([]byte{0x08, 0x00})
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0, 2, 0x08, 0x00}, enc)

	enc, err = EncodeMessage(nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0, 0}, enc)
}

func TestReassembler_EverySplitPoint(t *testing.T) {
	body := []byte("content addressed value")
	env, err := EncodeMessage(body)
	require.NoError(t, err)

	for i := 1; i < len(env); i++ {
		r := NewReassembler(0)
		r.Feed(env[:i])
		assert.Empty(t, drain(t, r), "split at %d emitted early", i)
		r.Feed(env[i:])
		got := drain(t, r)
		require.Len(t, got, 1, "split at %d", i)
		assert.Equal(t, body, got[0])
		assert.Zero(t, r.Buffered())
	}
}

func TestReassembler_RandomChunks(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for iter := 0; iter < 200; iter++ {
		body := make([]byte, rng.Intn(3000))
		rng.Read(body)
		env, err := EncodeMessage(body)
		require.NoError(t, err)

		r := NewReassembler(0)
		var got [][]byte
		for rest := env; len(rest) > 0; {
			n := 1 + rng.Intn(len(rest))
			r.Feed(rest[:n])
			rest = rest[n:]
			got = append(got, drain(t, r)...)
		}
		require.Len(t, got, 1)
		assert.True(t, bytes.Equal(body, got[0]))
	}
}

func TestReassembler_MultipleMessagesOneFrame(t *testing.T) {
	var payload []byte
	bodies := [][]byte{[]byte("one"), {}, []byte("three"), []byte("four!")}
	for _, b := range bodies {
		var err error
		payload, err = AppendMessage(payload, b)
		require.NoError(t, err)
	}

	r := NewReassembler(0)
	r.Feed(payload)
	got := drain(t, r)
	require.Len(t, got, len(bodies))
	for i := range bodies {
		assert.Equal(t, bodies[i], got[i], "message %d", i)
	}
}

func TestReassembler_TrailingPartial(t *testing.T) {
	first, _ := EncodeMessage([]byte("first"))
	second, _ := EncodeMessage([]byte("second"))

	r := NewReassembler(0)
	r.Feed(append(append([]byte(nil), first...), second[:3]...))
	got := drain(t, r)
	require.Len(t, got, 1)
	assert.Equal(t, []byte("first"), got[0])
	assert.Equal(t, 3, r.Buffered())

	r.Feed(second[3:])
	got = drain(t, r)
	require.Len(t, got, 1)
	assert.Equal(t, []byte("second"), got[0])
}

func TestReassembler_OwnsOutput(t *testing.T) {
	env, _ := EncodeMessage([]byte("abc"))
	r := NewReassembler(0)
	r.Feed(env)
	env[MessageHeaderSize] = 'X'

	msg, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), msg)
}

func TestReassembler_CompressedFlag(t *testing.T) {
	r := NewReassembler(0)
	r.Feed([]byte{1, 0, 0, 0, 1, 'x'})
	_, err := r.Next()
	require.ErrorIs(t, err, ErrCompressedMessage)
}

func TestReassembler_TooLarge(t *testing.T) {
	r := NewReassembler(8)
	r.Feed([]byte{0, 0, 0, 0, 9})
	_, err := r.Next()
	require.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestReassembler_Reset(t *testing.T) {
	r := NewReassembler(0)
	r.Feed([]byte{0, 0, 0})
	r.Reset()
	assert.Zero(t, r.Buffered())
	assert.Empty(t, drain(t, r))
}
