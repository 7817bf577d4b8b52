package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrame_RoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		typ      FrameType
		flags    Flags
		streamID uint32
		payload  []byte
	}{
		{"empty settings", FrameSettings, 0, 0, nil},
		{"settings ack", FrameSettings, FlagAck, 0, nil},
		{"ping", FramePing, 0, 0, []byte("12345678")},
		{"headers", FrameHeaders, FlagEndHeaders | FlagEndStream, 1, []byte{0x88}},
		{"data", FrameData, FlagEndStream, 0x7fffffff, []byte("hello world")},
		{"unknown type", FrameType(0xfa), 0xff, 3, []byte{1, 2, 3}},
		{"max size", FrameData, 0, 5, bytes.Repeat([]byte{'x'}, DefaultMaxFrameSize)},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			enc, err := EncodeFrame(tc.typ, tc.flags, tc.streamID, tc.payload)
			require.NoError(t, err)
			require.Len(t, enc, FrameHeaderSize+len(tc.payload))

			f, n, err := DecodeFrame(enc, DefaultMaxFrameSize)
			require.NoError(t, err)
			assert.Equal(t, len(enc), n)
			assert.Equal(t, tc.typ, f.Type)
			assert.Equal(t, tc.flags, f.Flags)
			assert.Equal(t, tc.streamID, f.StreamID)
			assert.Equal(t, uint32(len(tc.payload)), f.Length)
			assert.Equal(t, len(tc.payload), len(f.Payload))
			assert.True(t, bytes.Equal(tc.payload, f.Payload))
		})
	}
}

func TestFrame_HeaderLayout(t *testing.T) {
	enc, err := EncodeFrame(FrameData, FlagEndStream, 3, []byte("abc"))
	require.NoError(t, err)
	want := []byte{
		0, 0, 3, // length
		0x0,        // DATA
		0x1,        // END_STREAM
		0, 0, 0, 3, // stream 3
		'a', 'b', 'c',
	}
	assert.Equal(t, want, enc)
}

func TestFrame_ReservedBitCleared(t *testing.T) {
	enc, err := EncodeFrame(FrameHeaders, 0, 0x80000005, nil)
	require.NoError(t, err)
	assert.Equal(t, byte(0), enc[frameStreamOff]&0x80, "reserved bit written")

	raw := []byte{0, 0, 0, byte(FrameHeaders), 0, 0x80, 0, 0, 7}
	h, n, err := DecodeFrameHeader(raw)
	require.NoError(t, err)
	assert.Equal(t, FrameHeaderSize, n)
	assert.Equal(t, uint32(7), h.StreamID)
}

func TestDecodeFrame_NeedMoreData(t *testing.T) {
	enc, err := EncodeFrame(FrameData, 0, 1, []byte("payload"))
	require.NoError(t, err)

	for i := 0; i < len(enc); i++ {
		_, n, err := DecodeFrame(enc[:i], DefaultMaxFrameSize)
		require.ErrorIs(t, err, ErrNeedMoreData, "prefix of %d bytes", i)
		assert.Zero(t, n)
	}
}

func TestDecodeFrame_TooLarge(t *testing.T) {
	// Only the header is present: the length must be rejected before the
	// payload arrives.
	hdr := []byte{0x00, 0x40, 0x01, byte(FrameData), 0, 0, 0, 0, 1} // 16385
	_, _, err := DecodeFrame(hdr, DefaultMaxFrameSize)
	require.ErrorIs(t, err, ErrFrameTooLarge)

	hdr = []byte{0xff, 0xff, 0xff, byte(FrameData), 0, 0, 0, 0, 1}
	_, _, err = DecodeFrame(hdr, DefaultMaxFrameSize)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestDecodeFrame_InvalidMaxSize(t *testing.T) {
	_, _, err := DecodeFrame(make([]byte, FrameHeaderSize), 0)
	require.ErrorIs(t, err, ErrInvalidFrame)
}

func TestDecodeFrame_Sequence(t *testing.T) {
	var stream []byte
	var err error
	stream, err = AppendFrame(stream, FrameSettings, 0, 0, nil)
	require.NoError(t, err)
	stream, err = AppendFrame(stream, FramePing, 0, 0, []byte("abcdefgh"))
	require.NoError(t, err)
	stream, err = AppendFrame(stream, FrameWindowUpdate, 0, 0, []byte{0, 0, 1, 0})
	require.NoError(t, err)

	var types []FrameType
	for len(stream) > 0 {
		f, n, err := DecodeFrame(stream, DefaultMaxFrameSize)
		require.NoError(t, err)
		types = append(types, f.Type)
		stream = stream[n:]
	}
	assert.Equal(t, []FrameType{FrameSettings, FramePing, FrameWindowUpdate}, types)
}

func TestAppendFrame_TooLarge(t *testing.T) {
	_, err := EncodeFrame(FrameData, 0, 1, make([]byte, maxFrameLength+1))
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestStripPadding(t *testing.T) {
	tests := []struct {
		name    string
		h       FrameHeader
		payload []byte
		want    []byte
		wantErr bool
	}{
		{
			name:    "unpadded data",
			h:       FrameHeader{Type: FrameData},
			payload: []byte("abc"),
			want:    []byte("abc"),
		},
		{
			name:    "padded data",
			h:       FrameHeader{Type: FrameData, Flags: FlagPadded},
			payload: []byte{2, 'a', 'b', 'c', 0, 0},
			want:    []byte("abc"),
		},
		{
			name:    "headers with priority",
			h:       FrameHeader{Type: FrameHeaders, Flags: FlagPriority},
			payload: []byte{0, 0, 0, 0, 16, 0x88},
			want:    []byte{0x88},
		},
		{
			name:    "headers padded with priority",
			h:       FrameHeader{Type: FrameHeaders, Flags: FlagPriority | FlagPadded},
			payload: []byte{1, 0, 0, 0, 0, 16, 0x88, 0},
			want:    []byte{0x88},
		},
		{
			name:    "padding longer than payload",
			h:       FrameHeader{Type: FrameData, Flags: FlagPadded},
			payload: []byte{9, 'a'},
			wantErr: true,
		},
		{
			name:    "missing pad length",
			h:       FrameHeader{Type: FrameData, Flags: FlagPadded},
			payload: nil,
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := StripPadding(tc.h, tc.payload)
			if tc.wantErr {
				require.ErrorIs(t, err, ErrInvalidFrame)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestSettings_RoundTrip(t *testing.T) {
	in := []Setting{
		{ID: SettingMaxFrameSize, Val: 1 << 20},
		{ID: SettingInitialWindowSize, Val: 65535},
	}
	got, err := DecodeSettings(EncodeSettings(in...))
	require.NoError(t, err)
	assert.Equal(t, in, got)

	_, err = DecodeSettings([]byte{0, 1, 0})
	require.ErrorIs(t, err, ErrInvalidFrame)
}

func TestRSTStream_RoundTrip(t *testing.T) {
	code, err := DecodeRSTStream(EncodeRSTStream(ErrCodeRefusedStream))
	require.NoError(t, err)
	assert.Equal(t, ErrCodeRefusedStream, code)

	_, err = DecodeRSTStream([]byte{1})
	require.ErrorIs(t, err, ErrInvalidFrame)
}

func TestFrameType_String(t *testing.T) {
	assert.Equal(t, "DATA", FrameData.String())
	assert.Equal(t, "WINDOW_UPDATE", FrameWindowUpdate.String())
	assert.Equal(t, "UNKNOWN_FRAME_TYPE_250", FrameType(250).String())
}
