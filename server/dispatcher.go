package server

import (
	"context"
	"encoding/hex"
	"fmt"

	"go.uber.org/zap"

	"casproxy/protocol"
)

type HandlerFunc func(*Dispatcher, *RequestContext) ([]byte, error)

type RequestContext struct {
	Ctx      context.Context
	StreamID uint32
	Method   protocol.Method
	Message  []byte
	Log      *zap.Logger
}

// Dispatcher routes a complete request message to its handler and returns
// the encoded response message.
type Dispatcher struct {
	srv      *Server
	handlers map[protocol.Method]HandlerFunc
}

func newDispatcher(s *Server) *Dispatcher {
	d := &Dispatcher{
		srv:      s,
		handlers: make(map[protocol.Method]HandlerFunc),
	}
	d.registerHandlers()
	return d
}

func (d *Dispatcher) registerHandlers() {
	d.handlers[protocol.MethodGetValue] = (*Dispatcher).handleGetValue
	d.handlers[protocol.MethodPutValue] = (*Dispatcher).handlePutValue
}

// Resolve picks the method for a request: the :path when the header block
// carried one, otherwise the shape of the message itself.
func (d *Dispatcher) Resolve(path string, msg []byte) (protocol.Method, error) {
	if path != "" {
		return protocol.ParseMethod(path)
	}
	if m := protocol.InferMethod(msg); m != protocol.MethodUnknown {
		return m, nil
	}
	return protocol.MethodUnknown, fmt.Errorf("%w: no path and message not recognized", protocol.ErrUnknownMethod)
}

// Handle runs one request. A returned error means the request itself was
// unusable and the stream should be reset; backend failures are answered
// and never surface here.
func (d *Dispatcher) Handle(ctx context.Context, log *zap.Logger, streamID uint32, path string, msg []byte) ([]byte, error) {
	m, err := d.Resolve(path, msg)
	if err != nil {
		return nil, err
	}
	h := d.handlers[m]
	if h == nil {
		return nil, fmt.Errorf("%w: %s", protocol.ErrUnknownMethod, m)
	}

	ctx, cancel := context.WithTimeout(ctx, d.srv.opts.BackendTimeout)
	defer cancel()

	d.srv.metrics.requests.Add(1)
	return h(d, &RequestContext{
		Ctx:      ctx,
		StreamID: streamID,
		Method:   m,
		Message:  msg,
		Log:      log.With(zap.Uint32("stream", streamID), zap.Stringer("method", m)),
	})
}

func (d *Dispatcher) handleGetValue(rc *RequestContext) ([]byte, error) {
	req, err := protocol.DecodeGetValueRequest(rc.Message)
	if err != nil {
		return nil, err
	}

	val, found, err := d.srv.backend.Get(rc.Ctx, req.Key)
	if err != nil {
		d.srv.metrics.backendErrors.Add(1)
		rc.Log.Warn("backend get failed, answering not found", keyField(req.Key), zap.Error(err))
		val, found = nil, false
	}
	if found {
		d.srv.metrics.hits.Add(1)
		rc.Log.Debug("hit", keyField(req.Key), zap.Int("bytes", len(val)))
	} else {
		d.srv.metrics.misses.Add(1)
		rc.Log.Debug("miss", keyField(req.Key))
	}
	return protocol.EncodeGetValueResponse(protocol.GetValueResponse{Found: found, Value: val}), nil
}

func (d *Dispatcher) handlePutValue(rc *RequestContext) ([]byte, error) {
	req, err := protocol.DecodePutValueRequest(rc.Message)
	if err != nil {
		return nil, err
	}

	if err := d.srv.backend.Put(rc.Ctx, req.Key, req.Value); err != nil {
		d.srv.metrics.backendErrors.Add(1)
		rc.Log.Warn("backend put failed, acknowledging anyway", keyField(req.Key), zap.Error(err))
	} else {
		d.srv.metrics.puts.Add(1)
		rc.Log.Debug("stored", keyField(req.Key), zap.Int("bytes", len(req.Value)))
	}
	return protocol.EncodePutValueResponse(protocol.PutValueResponse{}), nil
}

const maxLoggedKey = 32

func keyField(k []byte) zap.Field {
	if len(k) > maxLoggedKey {
		return zap.String("key", hex.EncodeToString(k[:maxLoggedKey])+"...")
	}
	return zap.String("key", hex.EncodeToString(k))
}
