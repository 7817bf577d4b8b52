package server

import "casproxy/protocol"

type streamState uint8

const (
	streamIdle streamState = iota
	streamOpen
	streamHalfClosedRemote
	streamClosed
)

func (s streamState) String() string {
	switch s {
	case streamIdle:
		return "idle"
	case streamOpen:
		return "open"
	case streamHalfClosedRemote:
		return "half-closed(remote)"
	case streamClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// stream is one request/response exchange on a connection.
//
// State moves Idle -> Open on HEADERS, Open -> HalfClosedRemote on the
// client's END_STREAM and to Closed once the response carries END_STREAM or
// either side resets it. A Closed stream is kept as a record until the
// client is done with it too, so late frames for it are dropped instead of
// being treated as frames on an unknown stream.
type stream struct {
	id    uint32
	state streamState

	headersSeen bool
	headerBlock []byte // HEADERS + CONTINUATION fragments
	path        string

	endStreamPending bool // END_STREAM seen on a block still being continued

	msgs       *protocol.Reassembler
	remoteDone bool
	refused    bool
}

func newStream(id uint32, maxMessage int) *stream {
	return &stream{
		id:    id,
		state: streamIdle,
		msgs:  protocol.NewReassembler(maxMessage),
	}
}

func (st *stream) open(endStream bool) {
	if st.state == streamIdle {
		st.state = streamOpen
	}
	if endStream {
		st.closeRemote()
	}
}

// active reports whether the stream still counts against the concurrency
// limit.
func (st *stream) active() bool {
	return st.state == streamOpen || st.state == streamHalfClosedRemote
}

// closeRemote records the client's END_STREAM.
func (st *stream) closeRemote() {
	st.remoteDone = true
	if st.state == streamOpen {
		st.state = streamHalfClosedRemote
	}
}

// closeLocal records that the server sent END_STREAM or RST_STREAM.
func (st *stream) closeLocal() {
	st.state = streamClosed
	st.headerBlock = nil
	if st.msgs != nil {
		st.msgs.Reset()
		st.msgs = nil
	}
}

// done reports whether both sides are finished and the record can go.
func (st *stream) done() bool {
	return st.state == streamClosed && st.remoteDone
}
