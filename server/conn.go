package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"go.uber.org/zap"

	"casproxy/protocol"
)

type connState uint8

const (
	connAwaitingPreface connState = iota
	connEstablished
	connClosing
	connClosed
)

func (s connState) String() string {
	switch s {
	case connAwaitingPreface:
		return "awaiting-preface"
	case connEstablished:
		return "established"
	case connClosing:
		return "closing"
	case connClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	errBadPreface = errors.New("server: bad connection preface")
	errProtocol   = errors.New("server: protocol error")
)

func protocolErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errProtocol, fmt.Sprintf(format, args...))
}

// connection owns one accepted socket. All of its state is touched only by
// the goroutine running serve; Shutdown reaches in through nc alone.
type connection struct {
	id  uint64
	srv *Server
	nc  net.Conn
	log *zap.Logger

	state         connState
	settingsAcked bool
	in            []byte // received bytes not yet parsed into frames
	out           []byte // frames queued for the next flush

	streams      map[uint32]*stream
	lastStreamID uint32
	continuing   *stream // stream whose header block awaits CONTINUATION

	// hdec is nil once a header block failed to decode; from then on the
	// dynamic table is unknown and requests are routed by message shape.
	hdec         *protocol.HeaderDecoder
	henc         *protocol.HeaderEncoder
	peerMaxFrame int
}

func newConnection(s *Server, nc net.Conn) *connection {
	id := s.nextConnID.Add(1)
	return &connection{
		id:           id,
		srv:          s,
		nc:           nc,
		log:          s.log().With(zap.Uint64("conn", id)),
		state:        connAwaitingPreface,
		streams:      make(map[uint32]*stream),
		hdec:         protocol.NewHeaderDecoder(),
		henc:         protocol.NewHeaderEncoder(),
		peerMaxFrame: protocol.DefaultMaxFrameSize,
	}
}

// interrupt makes a blocked read return so serve can observe shutdown.
func (c *connection) interrupt() {
	_ = c.nc.SetReadDeadline(time.Now())
}

func (c *connection) serve() {
	c.log.Debug("accepted")
	defer c.close()

	chunk := make([]byte, readChunkSize)
	for c.state != connClosing {
		if err := c.nc.SetReadDeadline(time.Now().Add(c.srv.opts.IdleTimeout)); err != nil {
			c.log.Debug("set read deadline failed", zap.Error(err))
			return
		}
		// Checked after arming the deadline so an interrupt can't be
		// overwritten.
		if c.srv.closing.Load() {
			c.log.Debug("closing for shutdown")
			return
		}

		n, err := c.nc.Read(chunk)
		if n > 0 {
			c.in = append(c.in, chunk[:n]...)
			if perr := c.process(); perr != nil {
				c.srv.metrics.connErrors.Add(1)
				c.log.Info("connection error", zap.Stringer("state", c.state), zap.Error(perr))
				return
			}
			if ferr := c.flush(); ferr != nil {
				c.log.Debug("write failed", zap.Error(ferr))
				return
			}
		}
		if err != nil {
			c.logReadError(err)
			return
		}
	}
}

func (c *connection) logReadError(err error) {
	switch {
	case errors.Is(err, io.EOF):
		c.log.Debug("peer closed", zap.Int("open_streams", len(c.streams)))
	case errors.Is(err, os.ErrDeadlineExceeded):
		if c.srv.closing.Load() {
			c.log.Debug("interrupted by shutdown")
		} else {
			c.log.Debug("idle timeout", zap.Duration("after", c.srv.opts.IdleTimeout))
		}
	default:
		c.log.Debug("read failed", zap.Error(err))
	}
}

func (c *connection) close() {
	c.state = connClosed
	_ = c.nc.Close()
	for id, st := range c.streams {
		st.closeLocal()
		delete(c.streams, id)
	}
	c.continuing = nil
	c.in, c.out = nil, nil
	c.log.Debug("closed", zap.Bool("settings_acked", c.settingsAcked))
}

// process consumes every complete frame in c.in. Output is queued, not
// written. A returned error is a connection error: pending output is
// dropped and the socket closed.
func (c *connection) process() error {
	if c.state == connAwaitingPreface {
		if err := c.readPreface(); err != nil || c.state == connAwaitingPreface {
			return err
		}
	}

	off := 0
	for c.state == connEstablished {
		f, n, err := protocol.DecodeFrame(c.in[off:], c.srv.opts.MaxFrameSize)
		if errors.Is(err, protocol.ErrNeedMoreData) {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %w", errProtocol, err)
		}
		c.srv.metrics.framesRead.Add(1)
		// f.Payload aliases c.in, so consume only after handling.
		if err := c.handleFrame(f); err != nil {
			return err
		}
		off += n
	}
	c.consume(off)
	return nil
}

func (c *connection) readPreface() error {
	const preface = protocol.ClientPreface
	if len(c.in) < len(preface) {
		if string(c.in) != preface[:len(c.in)] {
			return errBadPreface
		}
		return nil
	}
	if string(c.in[:len(preface)]) != preface {
		return errBadPreface
	}
	c.consume(len(preface))
	c.state = connEstablished
	c.queue(protocol.FrameSettings, 0, 0, nil)
	return nil
}

func (c *connection) consume(n int) {
	if n == 0 {
		return
	}
	rest := copy(c.in, c.in[n:])
	c.in = c.in[:rest]
}

func (c *connection) queue(t protocol.FrameType, flags protocol.Flags, streamID uint32, payload []byte) {
	// Every payload queued here is far below the 24-bit length limit.
	c.out, _ = protocol.AppendFrame(c.out, t, flags, streamID, payload)
	c.srv.metrics.framesWritten.Add(1)
}

func (c *connection) flush() error {
	if len(c.out) == 0 {
		return nil
	}
	if err := c.nc.SetWriteDeadline(time.Now().Add(c.srv.opts.WriteTimeout)); err != nil {
		return err
	}
	_, err := c.nc.Write(c.out)
	if cap(c.out) > maxRetainedWriteBuf {
		c.out = nil
	} else {
		c.out = c.out[:0]
	}
	return err
}

func (c *connection) handleFrame(f protocol.Frame) error {
	if c.continuing != nil && (f.Type != protocol.FrameContinuation || f.StreamID != c.continuing.id) {
		return protocolErrorf("%s while header block on stream %d is incomplete", f.FrameHeader, c.continuing.id)
	}

	switch f.Type {
	case protocol.FrameSettings:
		return c.handleSettings(f)
	case protocol.FramePing:
		return c.handlePing(f)
	case protocol.FrameHeaders:
		return c.handleHeaders(f)
	case protocol.FrameContinuation:
		return c.handleContinuation(f)
	case protocol.FrameData:
		return c.handleData(f)
	case protocol.FrameRSTStream:
		return c.handleRSTStream(f)
	case protocol.FrameGoAway:
		c.log.Debug("goaway received")
		c.state = connClosing
		return nil
	case protocol.FramePushPromise:
		return protocolErrorf("PUSH_PROMISE from client")
	default:
		// WINDOW_UPDATE, PRIORITY and unknown extension frames.
		return nil
	}
}

func (c *connection) handleSettings(f protocol.Frame) error {
	if f.StreamID != 0 {
		return protocolErrorf("SETTINGS on stream %d", f.StreamID)
	}
	if f.Flags.Has(protocol.FlagAck) {
		if len(f.Payload) != 0 {
			return protocolErrorf("SETTINGS ack with %d byte payload", len(f.Payload))
		}
		c.settingsAcked = true
		return nil
	}

	settings, err := protocol.DecodeSettings(f.Payload)
	if err != nil {
		return fmt.Errorf("%w: SETTINGS: %w", errProtocol, err)
	}
	for _, s := range settings {
		if s.ID != protocol.SettingMaxFrameSize {
			continue
		}
		if s.Val < protocol.DefaultMaxFrameSize || s.Val > maxFrameSizeLimit {
			return protocolErrorf("SETTINGS_MAX_FRAME_SIZE %d out of range", s.Val)
		}
		c.peerMaxFrame = int(s.Val)
	}
	c.queue(protocol.FrameSettings, protocol.FlagAck, 0, nil)
	return nil
}

func (c *connection) handlePing(f protocol.Frame) error {
	if f.StreamID != 0 {
		return protocolErrorf("PING on stream %d", f.StreamID)
	}
	if len(f.Payload) != 8 {
		return protocolErrorf("PING with %d byte payload", len(f.Payload))
	}
	if f.Flags.Has(protocol.FlagAck) {
		return nil
	}
	c.queue(protocol.FramePing, protocol.FlagAck, 0, f.Payload)
	return nil
}

func (c *connection) handleHeaders(f protocol.Frame) error {
	id := f.StreamID
	if id == 0 || id%2 == 0 {
		return protocolErrorf("HEADERS on stream %d", id)
	}
	frag, err := protocol.StripPadding(f.FrameHeader, f.Payload)
	if err != nil {
		return fmt.Errorf("%w: HEADERS: %w", errProtocol, err)
	}

	st := c.streams[id]
	if st == nil {
		if id <= c.lastStreamID {
			return protocolErrorf("stream %d opened after %d", id, c.lastStreamID)
		}
		c.lastStreamID = id
		st = newStream(id, c.srv.opts.MaxMessageSize)
		st.refused = c.activeStreams() >= c.srv.opts.MaxConcurrentStreams
		c.streams[id] = st
		c.pruneClosed()
	}

	st.headerBlock = append(st.headerBlock, frag...)
	if len(st.headerBlock) > maxHeaderBlockSize {
		return protocolErrorf("header block on stream %d exceeds %d bytes", id, maxHeaderBlockSize)
	}
	st.endStreamPending = f.Flags.Has(protocol.FlagEndStream)
	if !f.Flags.Has(protocol.FlagEndHeaders) {
		c.continuing = st
		return nil
	}
	return c.endHeaders(st)
}

func (c *connection) handleContinuation(f protocol.Frame) error {
	st := c.continuing
	if st == nil {
		return protocolErrorf("CONTINUATION on stream %d without HEADERS", f.StreamID)
	}
	st.headerBlock = append(st.headerBlock, f.Payload...)
	if len(st.headerBlock) > maxHeaderBlockSize {
		return protocolErrorf("header block on stream %d exceeds %d bytes", st.id, maxHeaderBlockSize)
	}
	if !f.Flags.Has(protocol.FlagEndHeaders) {
		return nil
	}
	return c.endHeaders(st)
}

// endHeaders runs once a header block is complete. The first block opens
// the stream; later ones are trailers and only matter for END_STREAM.
func (c *connection) endHeaders(st *stream) error {
	c.continuing = nil
	block := st.headerBlock
	st.headerBlock = nil
	endStream := st.endStreamPending
	st.endStreamPending = false

	// Every block goes through the decoder to keep its table in step.
	path := c.decodePath(block)

	if !st.headersSeen {
		st.headersSeen = true
		st.path = path
		st.open(false)
		if st.refused {
			c.resetStream(st, protocol.ErrCodeRefusedStream, "too many concurrent streams")
		}
	}
	if endStream {
		c.endRemote(st)
	}
	return nil
}

func (c *connection) decodePath(block []byte) string {
	if c.hdec == nil {
		return ""
	}
	fields, err := c.hdec.Decode(block)
	if err != nil {
		c.log.Warn("header block undecodable, routing by message shape", zap.Error(err))
		c.hdec = nil
		return ""
	}
	path, _ := protocol.HeaderValue(fields, protocol.PseudoHeaderPath)
	return path
}

func (c *connection) handleData(f protocol.Frame) error {
	st := c.streams[f.StreamID]
	if st == nil {
		return protocolErrorf("DATA on unknown stream %d", f.StreamID)
	}
	data, err := protocol.StripPadding(f.FrameHeader, f.Payload)
	if err != nil {
		return fmt.Errorf("%w: DATA: %w", errProtocol, err)
	}

	// A closed stream was answered or reset already; its data is dropped.
	if st.state == streamOpen {
		c.receive(st, data)
	}
	if f.Flags.Has(protocol.FlagEndStream) {
		c.endRemote(st)
	}
	return nil
}

func (c *connection) receive(st *stream, data []byte) {
	st.msgs.Feed(data)
	for st.state == streamOpen {
		msg, err := st.msgs.Next()
		if err != nil {
			c.resetStream(st, protocol.ErrCodeProtocol, err.Error())
			return
		}
		if msg == nil {
			return
		}
		c.dispatch(st, msg)
	}
}

func (c *connection) dispatch(st *stream, msg []byte) {
	body, err := c.srv.dispatcher.Handle(c.srv.ctx, c.log, st.id, st.path, msg)
	if err != nil {
		c.resetStream(st, protocol.ErrCodeProtocol, err.Error())
		return
	}
	c.respond(st, body)
}

// respond queues HEADERS(:status 200) and the enveloped body, split at the
// peer's frame size, with END_STREAM on the last DATA frame.
func (c *connection) respond(st *stream, body []byte) {
	env, err := protocol.EncodeMessage(body)
	if err != nil {
		c.resetStream(st, protocol.ErrCodeInternal, err.Error())
		return
	}

	c.queue(protocol.FrameHeaders, protocol.FlagEndHeaders, st.id, c.henc.StatusOK())
	for len(env) > c.peerMaxFrame {
		c.queue(protocol.FrameData, 0, st.id, env[:c.peerMaxFrame])
		env = env[c.peerMaxFrame:]
	}
	c.queue(protocol.FrameData, protocol.FlagEndStream, st.id, env)

	st.closeLocal()
}

// endRemote handles the client's END_STREAM. Calls are unary, so a stream
// the client finished without a whole request is reset.
func (c *connection) endRemote(st *stream) {
	st.closeRemote()
	if st.state == streamHalfClosedRemote {
		reason := "stream ended without a request message"
		if st.msgs.Buffered() > 0 {
			reason = "stream ended mid-message"
		}
		c.resetStream(st, protocol.ErrCodeProtocol, reason)
	}
	c.forget(st)
}

func (c *connection) handleRSTStream(f protocol.Frame) error {
	if f.StreamID == 0 {
		return protocolErrorf("RST_STREAM on stream 0")
	}
	code, err := protocol.DecodeRSTStream(f.Payload)
	if err != nil {
		return fmt.Errorf("%w: RST_STREAM: %w", errProtocol, err)
	}

	st := c.streams[f.StreamID]
	if st == nil {
		if f.StreamID > c.lastStreamID {
			return protocolErrorf("RST_STREAM on idle stream %d", f.StreamID)
		}
		return nil
	}
	c.log.Debug("stream reset by peer", zap.Uint32("stream", st.id), zap.Uint32("code", uint32(code)))
	st.closeLocal()
	st.remoteDone = true
	c.forget(st)
	return nil
}

func (c *connection) resetStream(st *stream, code protocol.ErrCode, reason string) {
	c.srv.metrics.streamResets.Add(1)
	c.log.Debug("resetting stream",
		zap.Uint32("stream", st.id),
		zap.Uint32("code", uint32(code)),
		zap.String("reason", reason))
	c.queue(protocol.FrameRSTStream, 0, st.id, protocol.EncodeRSTStream(code))
	st.closeLocal()
}

func (c *connection) forget(st *stream) {
	if st.done() {
		delete(c.streams, st.id)
	}
}

func (c *connection) activeStreams() int {
	n := 0
	for _, st := range c.streams {
		if st.active() {
			n++
		}
	}
	return n
}

// pruneClosed drops closed stream records once too many pile up behind a
// client that never finishes its side. Late frames for a pruned stream then
// count as frames on an unknown stream.
func (c *connection) pruneClosed() {
	if len(c.streams) <= closedStreamRetention*c.srv.opts.MaxConcurrentStreams {
		return
	}
	for id, st := range c.streams {
		if st.state == streamClosed {
			delete(c.streams, id)
		}
	}
}
