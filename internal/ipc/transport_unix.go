//go:build unix

package ipc

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/kalehq/sentryd/internal/apperr"
)

// DefaultSocketPath derives the default Unix domain socket path from the
// user's runtime directory ($XDG_RUNTIME_DIR, falling back to a per-user
// temp directory when unset).
func DefaultSocketPath() string {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = filepath.Join(os.TempDir(), fmt.Sprintf("sentryd-%d", os.Getuid()))
	}
	return filepath.Join(dir, "sentryd.sock")
}

// Listen creates a Unix domain socket at path, removing any stale socket
// file left behind by a prior daemon that did not shut down cleanly. Trust
// is filesystem-permission based: the socket and its parent directory are
// restricted to the owning user; there is no further IPC authentication.
func Listen(path string) (Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, apperr.Wrap(apperr.KindIO, "create socket directory", err)
	}
	if err := removeStaleSocket(path); err != nil {
		return nil, err
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindIO, "listen on unix socket", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = l.Close()
		return nil, apperr.Wrap(apperr.KindIO, "chmod unix socket", err)
	}
	return l, nil
}

// Dial connects to the daemon's Unix domain socket at path.
func Dial(path string) (Conn, error) {
	c, err := net.Dial("unix", path)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindIO, "dial unix socket", err)
	}
	return c, nil
}

func removeStaleSocket(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return apperr.Wrap(apperr.KindIO, "stat existing socket path", err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		return apperr.New(apperr.KindIO, fmt.Sprintf("%s exists and is not a socket", path))
	}
	// A prior daemon may still be listening; try connecting before removing.
	if c, err := net.Dial("unix", path); err == nil {
		_ = c.Close()
		return apperr.New(apperr.KindIO, fmt.Sprintf("another daemon is already listening on %s", path))
	}
	return os.Remove(path)
}
