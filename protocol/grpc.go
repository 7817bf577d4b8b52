package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	// MessageHeaderSize is the gRPC length-prefix:
	//
	//	[1 byte compressed flag][4 bytes length BE][length bytes message]
	MessageHeaderSize = 5

	// DefaultMaxMessageSize matches grpc-go's default receive limit.
	DefaultMaxMessageSize = 4 << 20 // 4 MiB

	msgFlagOff = 0
	msgLenOff  = 1
)

var (
	ErrCompressedMessage = errors.New("protocol: compressed messages are not supported")
	ErrMessageTooLarge   = errors.New("protocol: message too large")
)

// EncodeMessage wraps body in a gRPC length-prefixed envelope.
func EncodeMessage(body []byte) ([]byte, error) {
	return AppendMessage(make([]byte, 0, MessageHeaderSize+len(body)), body)
}

// AppendMessage appends the enveloped body to dst.
func AppendMessage(dst, body []byte) ([]byte, error) {
	if uint64(len(body)) > math.MaxUint32 {
		return dst, ErrMessageTooLarge
	}
	dst = append(dst, 0)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(body)))
	return append(dst, body...), nil
}

// Reassembler turns the DATA payloads of one stream back into whole gRPC
// messages. A message may span several payloads and a payload may carry
// several messages.
//
// Not safe for concurrent use; each stream owns one.
type Reassembler struct {
	buf        []byte
	off        int // start of unconsumed bytes in buf
	maxMessage int
}

// NewReassembler returns a Reassembler that rejects messages longer than
// maxMessage bytes (DefaultMaxMessageSize if maxMessage <= 0).
func NewReassembler(maxMessage int) *Reassembler {
	if maxMessage <= 0 {
		maxMessage = DefaultMaxMessageSize
	}
	return &Reassembler{maxMessage: maxMessage}
}

// Feed appends a DATA payload. The bytes are copied.
func (r *Reassembler) Feed(p []byte) {
	if len(p) == 0 {
		return
	}
	if r.off > 0 && r.off >= len(r.buf)/2 {
		n := copy(r.buf, r.buf[r.off:])
		r.buf = r.buf[:n]
		r.off = 0
	}
	r.buf = append(r.buf, p...)
}

// Next returns the next complete message body, or nil with a nil error when
// more data is needed. The returned slice is owned by the caller.
//
// ErrCompressedMessage and ErrMessageTooLarge are sticky: the buffered bytes
// can't be resynchronized, so the stream has to be abandoned.
func (r *Reassembler) Next() ([]byte, error) {
	pending := r.buf[r.off:]
	if len(pending) < MessageHeaderSize {
		return nil, nil
	}
	if pending[msgFlagOff] != 0 {
		return nil, ErrCompressedMessage
	}
	ln := binary.BigEndian.Uint32(pending[msgLenOff:MessageHeaderSize])
	if uint64(ln) > uint64(r.maxMessage) {
		return nil, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, ln, r.maxMessage)
	}
	end := MessageHeaderSize + int(ln)
	if len(pending) < end {
		return nil, nil
	}
	msg := make([]byte, ln)
	copy(msg, pending[MessageHeaderSize:end])
	r.off += end
	if r.off == len(r.buf) {
		r.buf = r.buf[:0]
		r.off = 0
	}
	return msg, nil
}

// Buffered reports how many bytes are waiting for the rest of a message.
func (r *Reassembler) Buffered() int { return len(r.buf) - r.off }

// Reset drops any buffered bytes and releases the scratch buffer.
func (r *Reassembler) Reset() {
	r.buf = nil
	r.off = 0
}
