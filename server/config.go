package server

import (
	"time"

	"casproxy/protocol"
	"casproxy/transport"
)

// ---------------------------------------------------------------------------
// Network
// ---------------------------------------------------------------------------

const (
	DefaultSocketPath = "cas.sock"

	readChunkSize = 32 << 10

	// 24-bit frame length field
	maxFrameSizeLimit = 1<<24 - 1

	maxHeaderBlockSize = 64 << 10

	// outbound buffers larger than this are dropped after a flush
	maxRetainedWriteBuf = 256 << 10
)

// ---------------------------------------------------------------------------
// Options defaults
// ---------------------------------------------------------------------------

const (
	defaultIdleTimeout          = 30 * time.Second
	defaultWriteTimeout         = 5 * time.Second
	defaultBackendTimeout       = 10 * time.Second
	defaultMaxConcurrentStreams = 100

	// closed stream records kept per live stream before they are pruned
	closedStreamRetention = 4
)

// applyDefaults fills zero-valued fields with sensible defaults.
func (o *Options) applyDefaults() {
	if o.SocketPath == "" {
		o.SocketPath = DefaultSocketPath
	}
	if o.Backlog <= 0 {
		o.Backlog = transport.DefaultBacklog
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = defaultIdleTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if o.MaxFrameSize > maxFrameSizeLimit {
		o.MaxFrameSize = maxFrameSizeLimit
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = protocol.DefaultMaxMessageSize
	}
	if o.MaxConcurrentStreams <= 0 {
		o.MaxConcurrentStreams = defaultMaxConcurrentStreams
	}
	if o.BackendTimeout <= 0 {
		o.BackendTimeout = defaultBackendTimeout
	}
}
