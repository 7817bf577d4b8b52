package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"casproxy/transport"
)

var (
	ErrAlreadyStarted = errors.New("server: already started")
	ErrNotStarted     = errors.New("server: not started")
	ErrNoBackend      = errors.New("server: backend is required")
)

type Options struct {
	// SocketPath is the Unix domain socket to listen on. A stale file at the
	// path is removed; a path held by a live server is refused.
	SocketPath string
	Backlog    int

	// IdleTimeout bounds each blocking read. A connection that sends nothing
	// for this long is closed.
	IdleTimeout  time.Duration
	WriteTimeout time.Duration

	// MaxFrameSize is the largest inbound frame payload accepted.
	MaxFrameSize int
	// MaxMessageSize is the largest gRPC message accepted on a stream.
	MaxMessageSize       int
	MaxConcurrentStreams int

	// BackendTimeout bounds each Backend call.
	BackendTimeout time.Duration

	// Logger receives all server logs. Nil discards them.
	Logger *zap.Logger
}

type Server struct {
	opts       Options
	backend    Backend
	dispatcher *Dispatcher

	ln *transport.Listener

	// ctx is the parent of every backend call; canceled when Shutdown
	// gives up waiting.
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	conns map[*connection]struct{}
	wg    sync.WaitGroup

	nextConnID atomic.Uint64
	started    atomic.Bool
	closing    atomic.Bool

	metrics serverMetrics
}

func NewServer(opts Options, backend Backend) (*Server, error) {
	if backend == nil {
		return nil, ErrNoBackend
	}
	opts.applyDefaults()

	s := &Server{
		opts:    opts,
		backend: backend,
		conns:   make(map[*connection]struct{}),
	}
	s.dispatcher = newDispatcher(s)
	return s, nil
}

func (s *Server) log() *zap.Logger {
	if s.opts.Logger == nil {
		return zap.NewNop()
	}
	return s.opts.Logger
}

// Addr returns the socket path once the server is listening.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Path()
}

func (s *Server) Stats() Stats { return s.metrics.snapshot() }

func (s *Server) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	ln, err := transport.Listen(s.opts.SocketPath, s.opts.Backlog)
	if err != nil {
		s.started.Store(false)
		return fmt.Errorf("server: listen %s: %w", s.opts.SocketPath, err)
	}

	s.ln = ln
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.closing.Store(false)

	s.log().Info("listening",
		zap.String("socket", ln.Path()),
		zap.Int("backlog", s.opts.Backlog),
		zap.Int("max_frame", s.opts.MaxFrameSize))

	s.wg.Go(s.acceptLoop)
	return nil
}

// Shutdown stops accepting, interrupts every connection's pending read and
// waits for the connection goroutines to finish. If ctx expires first the
// remaining connections are closed outright and ctx.Err is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.started.Load() {
		return ErrNotStarted
	}

	s.closing.Store(true)
	err := s.ln.Close()

	s.mu.Lock()
	for c := range s.conns {
		c.interrupt()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.log().Warn("shutdown grace period expired, closing connections")
		s.cancel()
		s.mu.Lock()
		for c := range s.conns {
			_ = c.nc.Close()
		}
		s.mu.Unlock()
		<-done
		err = errors.Join(err, ctx.Err())
	}

	s.cancel()
	s.started.Store(false)
	s.log().Info("stopped", zap.Uint64("connections_served", s.metrics.connsAccepted.Load()))
	return err
}

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

func (s *Server) acceptLoop() {
	var delay time.Duration
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			if s.closing.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			if errors.Is(err, unix.EINTR) {
				continue
			}
			// EMFILE, ECONNABORTED and friends: back off and keep serving.
			if delay == 0 {
				delay = minAcceptDelay
			} else {
				delay = min(2*delay, maxAcceptDelay)
			}
			s.log().Warn("accept failed", zap.Error(err), zap.Duration("retry_in", delay))
			time.Sleep(delay)
			continue
		}
		delay = 0

		c := newConnection(s, nc)

		s.mu.Lock()
		if s.closing.Load() {
			s.mu.Unlock()
			_ = nc.Close()
			return
		}
		s.conns[c] = struct{}{}
		s.mu.Unlock()

		s.metrics.observeConnOpen()
		s.wg.Go(func() {
			c.serve()
			s.mu.Lock()
			delete(s.conns, c)
			s.mu.Unlock()
			s.metrics.observeConnClose()
		})
	}
}
