package main

import (
	"net"
	"testing"
	"time"

	"github.com/kalehq/sentryd/internal/event"
	"github.com/kalehq/sentryd/internal/ipc"
)

func fakeEvent() event.Event {
	return event.Event{Kind: event.KindStatusChange, App: "web", State: "running"}
}

func pipeClient(t *testing.T) (*client, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	return &client{conn: a}, b
}

func TestClientCallReturnsSuccessResponse(t *testing.T) {
	c, server := pipeClient(t)
	go func() {
		req, err := ipc.ReadRequest(server)
		if err != nil {
			t.Errorf("server ReadRequest: %v", err)
			return
		}
		if req.Type != ipc.ReqStart {
			t.Errorf("req.Type = %v, want ReqStart", req.Type)
		}
		_ = ipc.WriteResponse(server, ipc.Success("started"))
	}()

	resp, err := c.call(ipc.Request{Type: ipc.ReqStart, Name: "web"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp.Type != ipc.RespSuccess {
		t.Errorf("resp.Type = %v, want RespSuccess", resp.Type)
	}
}

func TestClientCallSurfacesErrorResponse(t *testing.T) {
	c, server := pipeClient(t)
	go func() {
		if _, err := ipc.ReadRequest(server); err != nil {
			return
		}
		_ = ipc.WriteResponse(server, ipc.ErrorResponse("boom"))
	}()

	if _, err := c.call(ipc.Request{Type: ipc.ReqStop, Name: "web"}); err == nil {
		t.Fatal("expected an error from an error response")
	}
}

func TestClientStreamStopsOnConnectionClose(t *testing.T) {
	c, server := pipeClient(t)
	go func() {
		if _, err := ipc.ReadRequest(server); err != nil {
			return
		}
		_ = ipc.WriteResponse(server, ipc.Success("subscribed"))
		_ = ipc.WriteResponse(server, ipc.EventResponse(fakeEvent()))
		server.Close()
	}()

	var got int
	done := make(chan error, 1)
	go func() {
		done <- c.stream(ipc.Request{Type: ipc.ReqSubscribe}, func(resp ipc.Response) error {
			got++
			return nil
		})
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("stream: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream to end")
	}
	if got != 1 {
		t.Errorf("fn called %d times, want 1 (the one event frame after the initial response)", got)
	}
}

func TestClientStreamPropagatesCallbackError(t *testing.T) {
	c, server := pipeClient(t)
	boom := make(chan struct{})
	go func() {
		if _, err := ipc.ReadRequest(server); err != nil {
			return
		}
		_ = ipc.WriteResponse(server, ipc.Success("subscribed"))
		_ = ipc.WriteResponse(server, ipc.EventResponse(fakeEvent()))
		<-boom
	}()
	defer close(boom)

	err := c.stream(ipc.Request{Type: ipc.ReqSubscribe}, func(resp ipc.Response) error {
		return errFake{"stop here"}
	})
	if err == nil {
		t.Fatal("expected the callback's error to propagate out of stream")
	}
}

type errFake struct{ s string }

func (e errFake) Error() string { return e.s }
