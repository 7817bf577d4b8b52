package protocol

import (
	"errors"
	"fmt"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	ErrInvalidMessage = errors.New("protocol: invalid message")
	ErrUnknownMethod  = errors.New("protocol: unknown method")
)

// ServicePath prefixes every method path of the cache service.
const ServicePath = "/cas.CAS/"

type Method uint8

const (
	MethodUnknown Method = iota
	MethodGetValue
	MethodPutValue
)

var methodNames = map[Method]string{
	MethodGetValue: "GetValue",
	MethodPutValue: "PutValue",
}

func (m Method) String() string {
	if name, ok := methodNames[m]; ok {
		return name
	}
	return "Unknown"
}

// Path returns the HTTP/2 :path a client uses to invoke m.
func (m Method) Path() string { return ServicePath + m.String() }

// ParseMethod maps a :path (or a bare method name) to a Method.
func ParseMethod(path string) (Method, error) {
	name := path
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		name = path[i+1:]
	}
	for m, n := range methodNames {
		if n == name {
			return m, nil
		}
	}
	return MethodUnknown, fmt.Errorf("%w: %q", ErrUnknownMethod, path)
}

// Field numbers shared by the request and response messages.
const (
	fieldKey   protowire.Number = 1
	fieldValue protowire.Number = 2
	fieldFound protowire.Number = 1
)

// GetValueRequest is `message GetValueRequest { bytes key = 1; }`.
type GetValueRequest struct {
	Key []byte
}

// GetValueResponse is `message GetValueResponse { bool found = 1; bytes value = 2; }`.
type GetValueResponse struct {
	Found bool
	Value []byte
}

// PutValueRequest is `message PutValueRequest { bytes key = 1; bytes value = 2; }`.
type PutValueRequest struct {
	Key   []byte
	Value []byte
}

// PutValueResponse is the empty acknowledgement of a PutValue call.
type PutValueResponse struct{}

// fieldFunc receives one decoded field. For length-delimited fields raw holds
// the content; for varints v holds the value.
type fieldFunc func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error

// walkFields decodes the top level of a protobuf message. Unknown fields and
// wire types are skipped so newer clients can add fields.
func walkFields(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrInvalidMessage, protowire.ParseError(n))
		}
		b = b[n:]

		var (
			v   uint64
			raw []byte
		)
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			raw, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrInvalidMessage, protowire.ParseError(n))
		}
		b = b[n:]

		if err := fn(num, typ, v, raw); err != nil {
			return err
		}
	}
	return nil
}

func expectType(num protowire.Number, got, want protowire.Type) error {
	if got != want {
		return fmt.Errorf("%w: field %d has wire type %d, want %d", ErrInvalidMessage, num, got, want)
	}
	return nil
}

func EncodeGetValueRequest(req GetValueRequest) []byte {
	var b []byte
	if len(req.Key) > 0 {
		b = protowire.AppendTag(b, fieldKey, protowire.BytesType)
		b = protowire.AppendBytes(b, req.Key)
	}
	return b
}

// DecodeGetValueRequest copies the key so the request does not alias b.
func DecodeGetValueRequest(b []byte) (GetValueRequest, error) {
	var req GetValueRequest
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, _ uint64, raw []byte) error {
		if num != fieldKey {
			return nil
		}
		if err := expectType(num, typ, protowire.BytesType); err != nil {
			return err
		}
		req.Key = append([]byte(nil), raw...)
		return nil
	})
	return req, err
}

// EncodeGetValueResponse always writes found, so a miss is the two bytes 08 00.
func EncodeGetValueResponse(resp GetValueResponse) []byte {
	b := make([]byte, 0, 4+len(resp.Value))
	b = protowire.AppendTag(b, fieldFound, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(resp.Found))
	if len(resp.Value) > 0 {
		b = protowire.AppendTag(b, fieldValue, protowire.BytesType)
		b = protowire.AppendBytes(b, resp.Value)
	}
	return b
}

func DecodeGetValueResponse(b []byte) (GetValueResponse, error) {
	var resp GetValueResponse
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		switch num {
		case fieldFound:
			if err := expectType(num, typ, protowire.VarintType); err != nil {
				return err
			}
			resp.Found = protowire.DecodeBool(v)
		case fieldValue:
			if err := expectType(num, typ, protowire.BytesType); err != nil {
				return err
			}
			resp.Value = append([]byte(nil), raw...)
		}
		return nil
	})
	return resp, err
}

func EncodePutValueRequest(req PutValueRequest) []byte {
	var b []byte
	if len(req.Key) > 0 {
		b = protowire.AppendTag(b, fieldKey, protowire.BytesType)
		b = protowire.AppendBytes(b, req.Key)
	}
	if len(req.Value) > 0 {
		b = protowire.AppendTag(b, fieldValue, protowire.BytesType)
		b = protowire.AppendBytes(b, req.Value)
	}
	return b
}

// DecodePutValueRequest copies key and value so the request does not alias b.
func DecodePutValueRequest(b []byte) (PutValueRequest, error) {
	var req PutValueRequest
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, _ uint64, raw []byte) error {
		switch num {
		case fieldKey:
			if err := expectType(num, typ, protowire.BytesType); err != nil {
				return err
			}
			req.Key = append([]byte(nil), raw...)
		case fieldValue:
			if err := expectType(num, typ, protowire.BytesType); err != nil {
				return err
			}
			req.Value = append([]byte(nil), raw...)
		}
		return nil
	})
	return req, err
}

func EncodePutValueResponse(PutValueResponse) []byte { return []byte{} }

func DecodePutValueResponse(b []byte) (PutValueResponse, error) {
	err := walkFields(b, func(protowire.Number, protowire.Type, uint64, []byte) error { return nil })
	return PutValueResponse{}, err
}

// InferMethod guesses the method of a request whose :path is unknown. Only
// PutValueRequest carries field 2, so its presence decides.
func InferMethod(b []byte) Method {
	m := MethodGetValue
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, _ uint64, _ []byte) error {
		if num == fieldValue && typ == protowire.BytesType {
			m = MethodPutValue
		}
		return nil
	})
	if err != nil {
		return MethodUnknown
	}
	return m
}
