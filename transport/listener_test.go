//go:build unix

package transport

import (
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// socketPath returns a path short enough for sun_path; t.TempDir embeds the
// test name and can exceed it.
func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "cas")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "cas.sock")
}

func TestListen_AcceptAndEcho(t *testing.T) {
	path := socketPath(t)
	ln, err := Listen(path, 0)
	require.NoError(t, err)
	defer ln.Close()
	assert.Equal(t, path, ln.Path())

	done := make(chan error, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			done <- err
			return
		}
		defer c.Close()
		_, err = io.Copy(c, io.LimitReader(c, 4))
		done <- err
	}()

	c, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(c, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
	require.NoError(t, <-done)
}

func TestListen_RemovesStaleFile(t *testing.T) {
	path := socketPath(t)
	require.NoError(t, os.WriteFile(path, []byte("stale"), 0o600))

	ln, err := Listen(path, 16)
	require.NoError(t, err)
	defer ln.Close()

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.ModeSocket, fi.Mode().Type())
}

func TestListen_SecondServerRefused(t *testing.T) {
	path := socketPath(t)
	ln, err := Listen(path, 0)
	require.NoError(t, err)
	defer ln.Close()

	_, err = Listen(path, 0)
	require.ErrorIs(t, err, ErrAddrInUse)

	// The live socket must survive the failed attempt.
	c, err := net.Dial("unix", path)
	require.NoError(t, err)
	c.Close()
}

func TestListener_CloseUnlinksAndReleases(t *testing.T) {
	path := socketPath(t)
	ln, err := Listen(path, 0)
	require.NoError(t, err)

	require.NoError(t, ln.Close())
	require.NoError(t, ln.Close())

	_, err = os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	_, err = ln.Accept()
	assert.ErrorIs(t, err, net.ErrClosed)

	ln, err = Listen(path, 0)
	require.NoError(t, err)
	require.NoError(t, ln.Close())
}

func TestListen_BadPath(t *testing.T) {
	_, err := Listen("", 0)
	require.Error(t, err)

	_, err = Listen(filepath.Join(socketPath(t), "missing-dir", "cas.sock"), 0)
	require.Error(t, err)
}
