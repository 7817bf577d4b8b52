// Package client is a minimal unary client for the CAS service over a Unix
// domain socket. It speaks the same subset of HTTP/2 the server accepts.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"casproxy/protocol"
)

var ErrClosed = errors.New("client: closed")

const (
	defaultCallTimeout = 10 * time.Second
	headerTableSize    = 4096
	authority          = "localhost"
)

type Options struct {
	// CallTimeout bounds a call whose context has no deadline.
	CallTimeout time.Duration
	// MaxMessageSize caps a response message. Defaults to the server's
	// default request limit.
	MaxMessageSize int
	Logger         *zap.Logger
}

func (o *Options) applyDefaults() {
	if o.CallTimeout <= 0 {
		o.CallTimeout = defaultCallTimeout
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = protocol.DefaultMaxMessageSize
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Client issues one call at a time over a single connection. It is safe for
// concurrent use; concurrent calls are serialized.
type Client struct {
	opts Options
	log  *zap.Logger

	mu           sync.Mutex
	nc           net.Conn
	fr           *http2.Framer
	henc         *protocol.HeaderEncoder
	nextStreamID uint32
	peerMaxFrame int
	err          error // sticky; set once the connection is unusable
}

// Dial connects to the socket at path and completes the HTTP/2 handshake.
func Dial(ctx context.Context, path string, opts Options) (*Client, error) {
	opts.applyDefaults()

	var d net.Dialer
	nc, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", path, err)
	}

	fr := http2.NewFramer(nc, nc)
	fr.ReadMetaHeaders = hpack.NewDecoder(headerTableSize, nil)
	fr.SetMaxReadFrameSize(protocol.DefaultMaxFrameSize)

	c := &Client{
		opts:         opts,
		log:          opts.Logger.With(zap.String("socket", path)),
		nc:           nc,
		fr:           fr,
		henc:         protocol.NewHeaderEncoder(),
		nextStreamID: 1,
		peerMaxFrame: protocol.DefaultMaxFrameSize,
	}
	if err := c.handshake(ctx); err != nil {
		_ = nc.Close()
		return nil, fmt.Errorf("client: handshake: %w", err)
	}
	c.log.Debug("connected")
	return c, nil
}

func (c *Client) handshake(ctx context.Context) error {
	c.setDeadline(ctx)
	if _, err := c.nc.Write([]byte(http2.ClientPreface)); err != nil {
		return err
	}
	if err := c.fr.WriteSettings(); err != nil {
		return err
	}

	var gotSettings, gotAck bool
	for !gotSettings || !gotAck {
		f, err := c.fr.ReadFrame()
		if err != nil {
			return err
		}
		sf, ok := f.(*http2.SettingsFrame)
		if !ok {
			return fmt.Errorf("unexpected %s frame before SETTINGS", f.Header().Type)
		}
		if sf.IsAck() {
			gotAck = true
			continue
		}
		if err := c.applySettings(sf); err != nil {
			return err
		}
		gotSettings = true
	}
	return nil
}

func (c *Client) applySettings(sf *http2.SettingsFrame) error {
	if v, ok := sf.Value(http2.SettingMaxFrameSize); ok {
		c.peerMaxFrame = int(v)
	}
	return c.fr.WriteSettingsAck()
}

func (c *Client) setDeadline(ctx context.Context) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.opts.CallTimeout)
	}
	_ = c.nc.SetDeadline(deadline)
}

// Get looks key up. found is false on a miss.
func (c *Client) Get(ctx context.Context, key []byte) (value []byte, found bool, err error) {
	body, err := c.call(ctx, protocol.MethodGetValue, protocol.EncodeGetValueRequest(protocol.GetValueRequest{Key: key}))
	if err != nil {
		return nil, false, err
	}
	resp, err := protocol.DecodeGetValueResponse(body)
	if err != nil {
		return nil, false, err
	}
	return resp.Value, resp.Found, nil
}

func (c *Client) Put(ctx context.Context, key, value []byte) error {
	body, err := c.call(ctx, protocol.MethodPutValue, protocol.EncodePutValueRequest(protocol.PutValueRequest{Key: key, Value: value}))
	if err != nil {
		return err
	}
	_, err = protocol.DecodePutValueResponse(body)
	return err
}

// call runs one unary exchange. A *http2.StreamError means the server reset
// the stream and the connection is still usable; any other error closes it.
func (c *Client) call(ctx context.Context, m protocol.Method, req []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.setDeadline(ctx)
	id := c.nextStreamID
	c.nextStreamID += 2

	body, err := c.roundTrip(id, m, req)
	if err != nil {
		var se http2.StreamError
		if errors.As(err, &se) {
			c.log.Debug("stream reset", zap.Uint32("stream", id), zap.Stringer("code", se.Code))
			return nil, err
		}
		c.fail(err)
		return nil, err
	}
	return body, nil
}

func (c *Client) roundTrip(id uint32, m protocol.Method, req []byte) ([]byte, error) {
	err := c.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      id,
		BlockFragment: c.henc.Encode(protocol.RequestHeaders(m, authority)...),
		EndHeaders:    true,
	})
	if err != nil {
		return nil, err
	}

	env, err := protocol.EncodeMessage(req)
	if err != nil {
		return nil, err
	}
	for len(env) > c.peerMaxFrame {
		if err := c.fr.WriteData(id, false, env[:c.peerMaxFrame]); err != nil {
			return nil, err
		}
		env = env[c.peerMaxFrame:]
	}
	if err := c.fr.WriteData(id, true, env); err != nil {
		return nil, err
	}

	msgs := protocol.NewReassembler(c.opts.MaxMessageSize)
	for {
		f, err := c.fr.ReadFrame()
		if err != nil {
			return nil, err
		}
		switch f := f.(type) {
		case *http2.MetaHeadersFrame:
			if f.StreamID != id {
				return nil, fmt.Errorf("client: HEADERS for stream %d while waiting on %d", f.StreamID, id)
			}
			if status := f.PseudoValue("status"); status != "200" {
				return nil, fmt.Errorf("client: status %q", status)
			}
		case *http2.DataFrame:
			if f.StreamID != id {
				return nil, fmt.Errorf("client: DATA for stream %d while waiting on %d", f.StreamID, id)
			}
			msgs.Feed(f.Data())
			if !f.StreamEnded() {
				continue
			}
			msg, err := msgs.Next()
			if err != nil {
				return nil, err
			}
			if msg == nil {
				return nil, errors.New("client: response ended mid-message")
			}
			return msg, nil
		case *http2.RSTStreamFrame:
			if f.StreamID == id {
				return nil, http2.StreamError{StreamID: id, Code: f.ErrCode}
			}
		case *http2.SettingsFrame:
			if !f.IsAck() {
				if err := c.applySettings(f); err != nil {
					return nil, err
				}
			}
		case *http2.PingFrame:
			if !f.IsAck() {
				if err := c.fr.WritePing(true, f.Data); err != nil {
					return nil, err
				}
			}
		case *http2.GoAwayFrame:
			return nil, fmt.Errorf("client: server sent GOAWAY (%s)", f.ErrCode)
		}
	}
}

func (c *Client) fail(err error) {
	c.log.Debug("connection failed", zap.Error(err))
	c.err = fmt.Errorf("%w: %w", ErrClosed, err)
	_ = c.nc.Close()
}

// Close sends GOAWAY and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil
	}
	c.err = ErrClosed
	var last uint32
	if c.nextStreamID > 1 {
		last = c.nextStreamID - 2
	}
	_ = c.nc.SetWriteDeadline(time.Now().Add(time.Second))
	_ = c.fr.WriteGoAway(last, http2.ErrCodeNo, nil)
	return c.nc.Close()
}
