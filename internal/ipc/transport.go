package ipc

import "net"

// Listener is the OS-appropriate IPC transport: a Unix domain socket on
// POSIX, a named pipe on Windows. Both satisfy net.Listener, so the
// daemon's accept loop is platform-agnostic.
type Listener = net.Listener

// Conn is one accepted IPC connection.
type Conn = net.Conn
