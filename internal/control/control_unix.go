//go:build !windows

package control

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
)

// SocketFile is the control socket's filename under the base directory.
const SocketFile = "daemon.sock"

// listen binds the unix socket, removing a stale one from a previous
// run. The single-instance lock guarantees no live daemon owns it.
func listen(baseDir string) (net.Listener, func(), error) {
	path := filepath.Join(baseDir, SocketFile)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("remove stale control socket: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, nil, fmt.Errorf("bind control socket: %w", err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		listener.Close()
		return nil, nil, fmt.Errorf("chmod control socket: %w", err)
	}

	cleanup := func() { os.Remove(path) }
	return listener, cleanup, nil
}

func dialer(baseDir string) (func(ctx context.Context) (net.Conn, error), error) {
	path := filepath.Join(baseDir, SocketFile)
	return func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", path)
	}, nil
}
