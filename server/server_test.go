package server

import (
	"context"
	"errors"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"casproxy/protocol"
	"casproxy/store"
	"casproxy/transport"
)

func TestNewServer_RequiresBackend(t *testing.T) {
	_, err := NewServer(Options{}, nil)
	require.ErrorIs(t, err, ErrNoBackend)
}

func TestOptions_Defaults(t *testing.T) {
	var o Options
	o.applyDefaults()
	assert.Equal(t, DefaultSocketPath, o.SocketPath)
	assert.Equal(t, transport.DefaultBacklog, o.Backlog)
	assert.Equal(t, 30*time.Second, o.IdleTimeout)
	assert.Equal(t, protocol.DefaultMaxFrameSize, o.MaxFrameSize)
	assert.Equal(t, protocol.DefaultMaxMessageSize, o.MaxMessageSize)
	assert.Equal(t, 100, o.MaxConcurrentStreams)
	assert.Equal(t, 10*time.Second, o.BackendTimeout)

	o = Options{MaxFrameSize: 1 << 30}
	o.applyDefaults()
	assert.Equal(t, maxFrameSizeLimit, o.MaxFrameSize)
}

func TestServer_StartTwice(t *testing.T) {
	s := startServer(t, nil, nil)
	require.ErrorIs(t, s.Start(), ErrAlreadyStarted)
}

func TestServer_SocketInUse(t *testing.T) {
	s := startServer(t, nil, nil)

	other, err := NewServer(Options{SocketPath: s.Addr()}, store.NewMemory())
	require.NoError(t, err)
	require.ErrorIs(t, other.Start(), transport.ErrAddrInUse)

	// The first server keeps serving.
	h := dial(t, s)
	h.handshake()
	assert.False(t, h.get(1, "k").Found)
}

func TestServer_ShutdownInterruptsIdleConnections(t *testing.T) {
	s := startServer(t, nil, func(o *Options) { o.IdleTimeout = time.Minute })
	path := s.Addr()

	h := dial(t, s)
	h.handshake()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, s.Shutdown(ctx))
	assert.Less(t, time.Since(start), 2*time.Second)

	h.expectClosed()
	_, err := os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	_, err = net.Dial("unix", path)
	assert.Error(t, err)

	require.ErrorIs(t, s.Shutdown(ctx), ErrNotStarted)
}

func TestServer_RestartAfterShutdown(t *testing.T) {
	s := startServer(t, nil, nil)
	require.NoError(t, s.Shutdown(context.Background()))
	require.NoError(t, s.Start())

	h := dial(t, s)
	h.handshake()
	h.put(1, "k", "v")
	resp := h.get(3, "k")
	assert.True(t, resp.Found)
}

func TestServer_IdleTimeout(t *testing.T) {
	s := startServer(t, nil, func(o *Options) { o.IdleTimeout = 100 * time.Millisecond })
	h := dial(t, s)
	h.handshake()
	h.expectClosed()
}

func TestServer_Stats(t *testing.T) {
	s := startServer(t, nil, nil)
	h := dial(t, s)
	h.handshake()
	h.put(1, "k", "v")
	h.get(3, "k")
	h.get(5, "missing")

	st := s.Stats()
	assert.Equal(t, uint64(1), st.ConnsAccepted)
	assert.Equal(t, int64(1), st.ConnsActive)
	assert.Equal(t, uint64(3), st.Requests)
	assert.Equal(t, uint64(1), st.Puts)
	assert.Equal(t, uint64(1), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
	assert.Zero(t, st.BackendErrors)
	// client SETTINGS + 3 x (HEADERS + DATA)
	assert.Equal(t, uint64(7), st.FramesRead)
}

func TestServer_BackendErrorsAreAnswered(t *testing.T) {
	s := startServer(t, failingBackend{}, nil)
	h := dial(t, s)
	h.handshake()

	h.put(1, "k", "v")
	resp := h.get(3, "k")
	assert.False(t, resp.Found)
	assert.Empty(t, resp.Value)
	assert.Equal(t, uint64(2), s.Stats().BackendErrors)
}
