package daemon

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/kalehq/sentryd/internal/apperr"
	"github.com/kalehq/sentryd/internal/appid"
	"github.com/kalehq/sentryd/internal/config"
	"github.com/kalehq/sentryd/internal/ipc"
)

// Serve accepts connections on l until ctx is canceled, handling each on
// its own goroutine.
func (d *Daemon) Serve(ctx context.Context, l net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := l.Accept()
		if err != nil {
			wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return apperr.Wrap(apperr.KindIO, "accept ipc connection", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.handleConn(ctx, conn)
		}()
	}
}

// handleConn processes every request frame on conn until it is closed or
// produces a framing error. A single connection may also be a standing
// event subscription: once a subscribe request is handled, the goroutine
// pivots to streaming events and stops reading further requests from the
// same connection, matching the CLI client's one-shot-vs-stream usage.
func (d *Daemon) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	for {
		req, err := ipc.ReadRequest(conn)
		if err != nil {
			return
		}

		resp := d.dispatch(ctx, req)
		if err := ipc.WriteResponse(conn, resp); err != nil {
			return
		}

		if req.Type == ipc.ReqSubscribe && resp.Type == ipc.RespSuccess {
			d.streamEvents(ctx, conn, req)
			return
		}
	}
}

func (d *Daemon) streamEvents(ctx context.Context, conn net.Conn, req ipc.Request) {
	spec := ipc.SubscriptionSpec{Kind: "all"}
	if req.Subscription != nil {
		spec = *req.Subscription
	}
	if spec.AppName != "" {
		if id, err := appid.Normalize(spec.AppName); err == nil {
			spec.AppName = id
		}
	}
	sub := d.Subscribe(spec)
	defer d.Unsubscribe(sub.ID)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Events:
			if !ok {
				return
			}
			if err := ipc.WriteResponse(conn, ipc.EventResponse(e)); err != nil {
				return
			}
		}
	}
}

// dispatch routes one request to the matching Daemon operation and builds
// its Response. Handler errors are reported as RespError rather than
// closing the connection, so a client can keep issuing requests after one
// fails. User-supplied names are normalized here, so every internal
// operation works on canonical application ids.
func (d *Daemon) dispatch(ctx context.Context, req ipc.Request) ipc.Response {
	id := ""
	if req.Name != "" {
		var err error
		if id, err = appid.Normalize(req.Name); err != nil {
			return errorResponse(err)
		}
	}

	switch req.Type {
	case ipc.ReqStart:
		return d.handleStart(ctx, id, req)
	case ipc.ReqStop:
		if err := d.Stop(ctx, id, time.Duration(req.TimeoutMS)*time.Millisecond); err != nil {
			return errorResponse(err)
		}
		return ipc.Success("Stopped app " + id)
	case ipc.ReqRestart:
		if err := d.Restart(ctx, id); err != nil {
			return errorResponse(err)
		}
		return ipc.Success("Restarted app " + id)
	case ipc.ReqDelete:
		if err := d.Delete(ctx, id); err != nil {
			return errorResponse(err)
		}
		return ipc.Success("Deleted app " + id)
	case ipc.ReqStatus:
		if id == "" {
			return ipc.Data(d.List())
		}
		st, err := d.Status(id)
		if err != nil {
			return errorResponse(err)
		}
		return ipc.Data(st)
	case ipc.ReqList:
		return ipc.Data(d.List())
	case ipc.ReqLogs:
		n := req.Lines
		if n <= 0 {
			n = 100
		}
		if id == "" {
			all, err := d.AllLogs(n)
			if err != nil {
				return errorResponse(err)
			}
			return ipc.Data(all)
		}
		lines, err := d.Logs(id, n)
		if err != nil {
			return errorResponse(err)
		}
		return ipc.Data(lines)
	case ipc.ReqSubscribe:
		return ipc.Success("subscribed")
	case ipc.ReqUnsubscribe:
		return ipc.Success("unsubscribed")
	default:
		return ipc.ErrorResponse("unknown request type: " + string(req.Type))
	}
}

func (d *Daemon) handleStart(ctx context.Context, id string, req ipc.Request) ipc.Response {
	if id == "" {
		return ipc.ErrorResponse("start request missing application name")
	}
	if len(req.ConfigJSON) == 0 {
		return ipc.ErrorResponse("start request missing config_json")
	}
	nf, err := config.ParseNative(req.ConfigJSON)
	if err != nil {
		return errorResponse(err)
	}
	apps, err := nf.ToAppConfigs()
	if err != nil {
		return errorResponse(err)
	}
	cfg, ok := apps[id]
	if !ok {
		if len(apps) != 1 {
			return ipc.ErrorResponse("start request's config must describe exactly the named application")
		}
		for _, c := range apps {
			cfg = c
		}
	}
	if err := d.Start(ctx, id, cfg); err != nil {
		if errors.Is(err, apperr.Sentinel(apperr.KindAppAlreadyExists)) {
			d.log.Warn("start requested for an already-managed application", "app", id)
			return ipc.Success("App " + id + " is already managed")
		}
		return errorResponse(err)
	}
	return ipc.Success("Started app " + id)
}

func errorResponse(err error) ipc.Response {
	return ipc.ErrorResponse(err.Error())
}
