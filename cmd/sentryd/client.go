package main

import (
	"fmt"

	"github.com/kalehq/sentryd/internal/ipc"
)

// client is a thin, synchronous IPC client: one request, one response, over
// the daemon's length-prefixed JSON socket.
type client struct {
	conn ipc.Conn
}

func dial(socketPath string) (*client, error) {
	conn, err := ipc.Dial(socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon at %s: %w\n(is the daemon running? try: sentryd daemon)", socketPath, err)
	}
	return &client{conn: conn}, nil
}

func (c *client) Close() error { return c.conn.Close() }

func (c *client) call(req ipc.Request) (ipc.Response, error) {
	if err := ipc.WriteRequest(c.conn, req); err != nil {
		return ipc.Response{}, err
	}
	resp, err := ipc.ReadResponse(c.conn)
	if err != nil {
		return ipc.Response{}, err
	}
	if resp.Type == ipc.RespError {
		return resp, fmt.Errorf("%s", resp.Message)
	}
	return resp, nil
}

// stream issues req and calls fn for every subsequent event frame until the
// connection closes or fn returns an error.
func (c *client) stream(req ipc.Request, fn func(ipc.Response) error) error {
	if _, err := c.call(req); err != nil {
		return err
	}
	for {
		resp, err := ipc.ReadResponse(c.conn)
		if err != nil {
			return nil //nolint:nilerr // connection close ends the stream, not an error
		}
		if err := fn(resp); err != nil {
			return err
		}
	}
}
