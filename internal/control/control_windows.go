//go:build windows

package control

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// portFile records the ephemeral loopback port the control plane bound.
// Windows has no unix-socket file permissions to lean on, so the daemon
// listens on loopback and advertises the port through a user-owned file.
const portFile = "control-port"

func listen(baseDir string) (net.Listener, func(), error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, nil, fmt.Errorf("bind control listener: %w", err)
	}

	port := listener.Addr().(*net.TCPAddr).Port
	path := filepath.Join(baseDir, portFile)
	if err := os.WriteFile(path, []byte(strconv.Itoa(port)), 0600); err != nil {
		listener.Close()
		return nil, nil, fmt.Errorf("write control port file: %w", err)
	}

	cleanup := func() { os.Remove(path) }
	return listener, cleanup, nil
}

func dialer(baseDir string) (func(ctx context.Context) (net.Conn, error), error) {
	data, err := os.ReadFile(filepath.Join(baseDir, portFile))
	if err != nil {
		return nil, fmt.Errorf("daemon not running: %w", err)
	}
	port, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("bad control port file: %w", err)
	}
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	return func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}, nil
}
