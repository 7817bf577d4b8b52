package protocol

import (
	"bytes"

	"golang.org/x/net/http2/hpack"
)

const (
	headerTableSize    = 4096 // HTTP/2 initial SETTINGS_HEADER_TABLE_SIZE
	maxHeaderStringLen = 16 << 10

	PseudoHeaderPath   = ":path"
	PseudoHeaderStatus = ":status"
)

// HeaderEncoder HPACK-encodes header blocks for one connection. The encoder
// carries the dynamic table, so blocks must be written in the order they are
// produced.
type HeaderEncoder struct {
	buf bytes.Buffer
	enc *hpack.Encoder
}

func NewHeaderEncoder() *HeaderEncoder {
	e := &HeaderEncoder{}
	e.enc = hpack.NewEncoder(&e.buf)
	return e
}

// Encode returns a freshly allocated header block.
func (e *HeaderEncoder) Encode(fields ...hpack.HeaderField) []byte {
	e.buf.Reset()
	for _, f := range fields {
		// Writes to a bytes.Buffer can't fail.
		_ = e.enc.WriteField(f)
	}
	return append([]byte(nil), e.buf.Bytes()...)
}

// StatusOK encodes `:status: 200`, which is static table entry 8 and so
// always the single byte 0x88.
func (e *HeaderEncoder) StatusOK() []byte {
	return e.Encode(hpack.HeaderField{Name: PseudoHeaderStatus, Value: "200"})
}

// HeaderDecoder decodes request header blocks for one connection. Every block
// received on the connection has to pass through the same decoder, otherwise
// its dynamic table drifts from the peer's.
type HeaderDecoder struct {
	dec *hpack.Decoder
}

func NewHeaderDecoder() *HeaderDecoder {
	dec := hpack.NewDecoder(headerTableSize, nil)
	dec.SetMaxStringLength(maxHeaderStringLen)
	return &HeaderDecoder{dec: dec}
}

func (d *HeaderDecoder) Decode(block []byte) ([]hpack.HeaderField, error) {
	return d.dec.DecodeFull(block)
}

// HeaderValue returns the value of the first field called name.
func HeaderValue(fields []hpack.HeaderField, name string) (string, bool) {
	for _, f := range fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

// RequestHeaders is the header list a unary call to m carries.
func RequestHeaders(m Method, authority string) []hpack.HeaderField {
	return []hpack.HeaderField{
		{Name: ":method", Value: "POST"},
		{Name: ":scheme", Value: "http"},
		{Name: PseudoHeaderPath, Value: m.Path()},
		{Name: ":authority", Value: authority},
		{Name: "content-type", Value: "application/grpc"},
		{Name: "te", Value: "trailers"},
	}
}
