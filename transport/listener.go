//go:build unix

// Package transport sets up the local socket the proxy serves on.
package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// DefaultBacklog is the listen queue length requested from the kernel.
const DefaultBacklog = 128

const lockSuffix = ".lock"

// Listener is a Unix domain socket listener that owns its socket file.
//
// Closing it stops new accepts, unlinks the socket and releases the lock.
type Listener struct {
	net.Listener

	path string
	lock *pathLock

	closeOnce sync.Once
	closeErr  error
}

// Listen binds a stream socket at path.
//
// A lock on path+".lock" is taken first, so a pre-existing file at path can
// only belong to a server that is gone; it is removed before bind.
func Listen(path string, backlog int) (*Listener, error) {
	if path == "" {
		return nil, fmt.Errorf("transport: empty socket path")
	}
	if backlog <= 0 {
		backlog = DefaultBacklog
	}

	lock, err := acquirePathLock(path + lockSuffix)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = lock.Close()
		return nil, fmt.Errorf("remove stale socket %s: %w", path, err)
	}

	ln, err := listenUnix(path, backlog)
	if err != nil {
		_ = lock.Close()
		return nil, err
	}

	return &Listener{Listener: ln, path: path, lock: lock}, nil
}

// listenUnix does socket/bind/listen by hand because net.Listen always uses
// the system maximum backlog and gives no way to pick one.
func listenUnix(path string, backlog int) (net.Listener, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	unix.CloseOnExec(fd)

	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", path, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		_ = os.Remove(path)
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}

	// FileListener dups the descriptor, so the original is closed either way.
	f := os.NewFile(uintptr(fd), path)
	ln, err := net.FileListener(f)
	_ = f.Close()
	if err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	return ln, nil
}

// Path returns the socket path.
func (l *Listener) Path() string { return l.path }

func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		err := l.Listener.Close()
		rmErr := os.Remove(l.path)
		if errors.Is(rmErr, os.ErrNotExist) {
			rmErr = nil
		}
		l.closeErr = errors.Join(err, rmErr, l.lock.Close())
	})
	return l.closeErr
}
