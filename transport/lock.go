//go:build unix

package transport

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

var ErrAddrInUse = errors.New("transport: socket path is in use by another server")

// pathLock keeps a second server from unlinking the socket of a live one.
type pathLock struct {
	path string
	file *os.File
}

func acquirePathLock(path string) (*pathLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	// Non-blocking exclusive lock.
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrAddrInUse
		}
		return nil, err
	}
	return &pathLock{path: path, file: f}, nil
}

func (l *pathLock) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	// The file itself stays: unlinking it would let two servers lock
	// different inodes under the same name.
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	cerr := l.file.Close()
	l.file = nil
	return errors.Join(err, cerr)
}
