package server

import (
	"net"
	"strings"

	winio "github.com/Microsoft/go-winio"
)

const pipePrefix = `\\.\pipe\`

// listenNamedPipe accepts either a full pipe path or a bare pipe name.
func listenNamedPipe(name string) (net.Listener, error) {
	if !strings.HasPrefix(name, pipePrefix) {
		name = pipePrefix + name
	}
	return winio.ListenPipe(name, &winio.PipeConfig{
		InputBufferSize:  64 * 1024,
		OutputBufferSize: 64 * 1024,
	})
}
