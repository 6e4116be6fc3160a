package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Listen opens the API listener. addr is a TCP address such as ":3000", or
// one of unix://<path>, npipe://<name> and fd://<n> for socket activation.
func Listen(ctx context.Context, addr string) (net.Listener, error) {
	scheme, rest, ok := strings.Cut(addr, "://")
	if !ok {
		var lc net.ListenConfig
		return lc.Listen(ctx, "tcp", addr)
	}

	switch scheme {
	case "unix":
		return listenUnix(ctx, rest)
	case "npipe":
		return listenNamedPipe(rest)
	case "fd":
		fd, err := strconv.Atoi(rest)
		if err != nil {
			return nil, fmt.Errorf("invalid file descriptor %q: %w", rest, err)
		}
		return net.FileListener(os.NewFile(uintptr(fd), "listener"))
	case "tcp":
		var lc net.ListenConfig
		return lc.Listen(ctx, "tcp", rest)
	default:
		return nil, fmt.Errorf("unsupported listen address %q", addr)
	}
}

func listenUnix(ctx context.Context, path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	var lc net.ListenConfig
	return lc.Listen(ctx, "unix", path)
}
