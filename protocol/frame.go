package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// DefaultMaxFrameSize is the largest frame payload accepted unless the caller
// asks for something else. It equals the HTTP/2 initial SETTINGS_MAX_FRAME_SIZE,
// so a peer that never sent SETTINGS can't exceed it legitimately.
const DefaultMaxFrameSize = 16 << 10 // 16 KiB

// ClientPreface is the fixed sequence every client sends before its first frame.
const ClientPreface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

const (
	// FrameHeaderSize is the fixed size of every frame header:
	//
	//	[3 bytes length BE][1 byte type][1 byte flags][4 bytes R|streamID BE]
	FrameHeaderSize = 9

	maxFrameLength = 1<<24 - 1
	streamIDMask   = 1<<31 - 1

	frameLenOff    = 0
	frameTypeOff   = 3
	frameFlagsOff  = 4
	frameStreamOff = 5
)

var (
	ErrNeedMoreData  = errors.New("protocol: need more data")
	ErrFrameTooLarge = errors.New("protocol: frame too large")
	ErrInvalidFrame  = errors.New("protocol: invalid frame")
)

type FrameType uint8

const (
	FrameData         FrameType = 0x0
	FrameHeaders      FrameType = 0x1
	FramePriority     FrameType = 0x2
	FrameRSTStream    FrameType = 0x3
	FrameSettings     FrameType = 0x4
	FramePushPromise  FrameType = 0x5
	FramePing         FrameType = 0x6
	FrameGoAway       FrameType = 0x7
	FrameWindowUpdate FrameType = 0x8
	FrameContinuation FrameType = 0x9
)

var frameTypeNames = map[FrameType]string{
	FrameData:         "DATA",
	FrameHeaders:      "HEADERS",
	FramePriority:     "PRIORITY",
	FrameRSTStream:    "RST_STREAM",
	FrameSettings:     "SETTINGS",
	FramePushPromise:  "PUSH_PROMISE",
	FramePing:         "PING",
	FrameGoAway:       "GOAWAY",
	FrameWindowUpdate: "WINDOW_UPDATE",
	FrameContinuation: "CONTINUATION",
}

func (t FrameType) String() string {
	if name, ok := frameTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN_FRAME_TYPE_%d", uint8(t))
}

type Flags uint8

// Flag values overlap between frame types; which one applies depends on the type.
const (
	FlagEndStream  Flags = 0x1  // DATA, HEADERS
	FlagAck        Flags = 0x1  // SETTINGS, PING
	FlagEndHeaders Flags = 0x4  // HEADERS, CONTINUATION
	FlagPadded     Flags = 0x8  // DATA, HEADERS
	FlagPriority   Flags = 0x20 // HEADERS
)

func (f Flags) Has(v Flags) bool { return f&v == v }

type SettingID uint16

const (
	SettingHeaderTableSize      SettingID = 0x1
	SettingEnablePush           SettingID = 0x2
	SettingMaxConcurrentStreams SettingID = 0x3
	SettingInitialWindowSize    SettingID = 0x4
	SettingMaxFrameSize         SettingID = 0x5
	SettingMaxHeaderListSize    SettingID = 0x6
)

// Setting is one SETTINGS parameter.
type Setting struct {
	ID  SettingID
	Val uint32
}

const settingSize = 6

type ErrCode uint32

const (
	ErrCodeNo            ErrCode = 0x0
	ErrCodeProtocol      ErrCode = 0x1
	ErrCodeInternal      ErrCode = 0x2
	ErrCodeStreamClosed  ErrCode = 0x5
	ErrCodeFrameSize     ErrCode = 0x6
	ErrCodeRefusedStream ErrCode = 0x7
	ErrCodeCancel        ErrCode = 0x8
)

// FrameHeader is the decoded 9-byte frame header.
type FrameHeader struct {
	Length   uint32
	Type     FrameType
	Flags    Flags
	StreamID uint32
}

func (h FrameHeader) String() string {
	return fmt.Sprintf("%s len=%d flags=0x%02x stream=%d", h.Type, h.Length, uint8(h.Flags), h.StreamID)
}

// Frame is a header plus exactly Length payload bytes.
type Frame struct {
	FrameHeader
	Payload []byte
}

// DecodeFrameHeader parses a frame header from the start of b.
// It returns ErrNeedMoreData if b holds fewer than FrameHeaderSize bytes.
func DecodeFrameHeader(b []byte) (FrameHeader, int, error) {
	if len(b) < FrameHeaderSize {
		return FrameHeader{}, 0, ErrNeedMoreData
	}
	h := FrameHeader{
		Length:   uint32(b[frameLenOff])<<16 | uint32(b[frameLenOff+1])<<8 | uint32(b[frameLenOff+2]),
		Type:     FrameType(b[frameTypeOff]),
		Flags:    Flags(b[frameFlagsOff]),
		StreamID: binary.BigEndian.Uint32(b[frameStreamOff:FrameHeaderSize]) & streamIDMask,
	}
	return h, FrameHeaderSize, nil
}

// DecodeFrame parses one complete frame from the start of b.
//
// The declared length is checked against maxSize before anything else, so a
// hostile length is rejected with ErrFrameTooLarge instead of making the caller
// buffer up to 16 MiB waiting for it. ErrNeedMoreData means b holds a valid
// prefix of a frame. The returned payload aliases b.
func DecodeFrame(b []byte, maxSize int) (Frame, int, error) {
	if maxSize <= 0 || maxSize > maxFrameLength {
		return Frame{}, 0, ErrInvalidFrame
	}
	h, n, err := DecodeFrameHeader(b)
	if err != nil {
		return Frame{}, 0, err
	}
	if int(h.Length) > maxSize {
		return Frame{}, 0, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, h.Length, maxSize)
	}
	end := n + int(h.Length)
	if len(b) < end {
		return Frame{}, 0, ErrNeedMoreData
	}
	return Frame{FrameHeader: h, Payload: b[n:end:end]}, end, nil
}

// EncodeFrame returns a freshly allocated frame.
func EncodeFrame(t FrameType, flags Flags, streamID uint32, payload []byte) ([]byte, error) {
	return AppendFrame(make([]byte, 0, FrameHeaderSize+len(payload)), t, flags, streamID, payload)
}

// AppendFrame appends an encoded frame to dst. The reserved stream id bit is
// always written as zero.
func AppendFrame(dst []byte, t FrameType, flags Flags, streamID uint32, payload []byte) ([]byte, error) {
	if len(payload) > maxFrameLength {
		return dst, ErrFrameTooLarge
	}
	ln := len(payload)
	dst = append(dst,
		byte(ln>>16), byte(ln>>8), byte(ln),
		byte(t),
		byte(flags),
	)
	dst = binary.BigEndian.AppendUint32(dst, streamID&streamIDMask)
	return append(dst, payload...), nil
}

// StripPadding returns the application bytes of a DATA or HEADERS payload,
// removing the pad length byte, the padding and, for HEADERS, the priority block.
func StripPadding(h FrameHeader, payload []byte) ([]byte, error) {
	if h.Type != FrameData && h.Type != FrameHeaders {
		return payload, nil
	}
	var padLen int
	if h.Flags.Has(FlagPadded) {
		if len(payload) < 1 {
			return nil, ErrInvalidFrame
		}
		padLen = int(payload[0])
		payload = payload[1:]
	}
	if h.Type == FrameHeaders && h.Flags.Has(FlagPriority) {
		if len(payload) < 5 {
			return nil, ErrInvalidFrame
		}
		payload = payload[5:]
	}
	if padLen > len(payload) {
		return nil, ErrInvalidFrame
	}
	return payload[:len(payload)-padLen], nil
}

// DecodeSettings parses a SETTINGS payload.
func DecodeSettings(payload []byte) ([]Setting, error) {
	if len(payload)%settingSize != 0 {
		return nil, ErrInvalidFrame
	}
	settings := make([]Setting, 0, len(payload)/settingSize)
	for off := 0; off < len(payload); off += settingSize {
		settings = append(settings, Setting{
			ID:  SettingID(binary.BigEndian.Uint16(payload[off : off+2])),
			Val: binary.BigEndian.Uint32(payload[off+2 : off+settingSize]),
		})
	}
	return settings, nil
}

// EncodeSettings builds a SETTINGS payload.
func EncodeSettings(settings ...Setting) []byte {
	buf := make([]byte, 0, len(settings)*settingSize)
	for _, s := range settings {
		buf = binary.BigEndian.AppendUint16(buf, uint16(s.ID))
		buf = binary.BigEndian.AppendUint32(buf, s.Val)
	}
	return buf
}

// EncodeRSTStream builds a RST_STREAM payload.
func EncodeRSTStream(code ErrCode) []byte {
	return binary.BigEndian.AppendUint32(nil, uint32(code))
}

// DecodeRSTStream parses a RST_STREAM payload.
func DecodeRSTStream(payload []byte) (ErrCode, error) {
	if len(payload) != 4 {
		return 0, ErrInvalidFrame
	}
	return ErrCode(binary.BigEndian.Uint32(payload)), nil
}
