//go:build windows

package ipc

import (
	"github.com/Microsoft/go-winio"
	"github.com/kalehq/sentryd/internal/apperr"
)

// DefaultSocketPath returns the fixed named-pipe path used on Windows.
func DefaultSocketPath() string {
	return `\\.\pipe\sentryd`
}

// Listen creates a Windows named pipe at path (normally the value returned
// by DefaultSocketPath). The pipe's security descriptor restricts access
// to the owning user, matching the Unix socket's filesystem-permission
// trust model; there is no further IPC authentication.
func Listen(path string) (Listener, error) {
	l, err := winio.ListenPipe(path, &winio.PipeConfig{
		SecurityDescriptor: "D:P(A;;GA;;;OW)",
		MessageMode:        false,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindIO, "listen on named pipe", err)
	}
	return l, nil
}

// Dial connects to the daemon's named pipe at path.
func Dial(path string) (Conn, error) {
	c, err := winio.DialPipe(path, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindIO, "dial named pipe", err)
	}
	return c, nil
}
