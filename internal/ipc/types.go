// Package ipc implements the length-prefixed JSON frame transport between
// the CLI client and the daemon: request/response message types, the frame
// codec, and OS-appropriate listeners (Unix domain socket on POSIX, named
// pipe on Windows).
package ipc

import (
	"encoding/json"

	"github.com/kalehq/sentryd/internal/event"
)

// RequestType tags a Request's kind.
type RequestType string

const (
	ReqStart       RequestType = "start"
	ReqStop        RequestType = "stop"
	ReqRestart     RequestType = "restart"
	ReqStatus      RequestType = "status"
	ReqList        RequestType = "list"
	ReqDelete      RequestType = "delete"
	ReqLogs        RequestType = "logs"
	ReqSubscribe   RequestType = "subscribe"
	ReqUnsubscribe RequestType = "unsubscribe"
)

// SubscriptionSpec selects which events a Subscribe request wants to
// receive: a filter kind and an optional single-application restriction.
type SubscriptionSpec struct {
	Kind    string `json:"kind"` // "all" | "status" | "log"
	AppName string `json:"app_name,omitempty"`
}

// Request is the single envelope for every client->daemon message. Only the
// fields relevant to Type are populated.
type Request struct {
	Type RequestType `json:"type"`

	Name       string          `json:"name,omitempty"`
	ConfigJSON json.RawMessage `json:"config_json,omitempty"`
	Lines      int             `json:"lines,omitempty"`

	// TimeoutMS overrides the application's configured stop_timeout for one
	// Stop request; zero means "use the config's value".
	TimeoutMS int64 `json:"timeout_ms,omitempty"`

	Subscription *SubscriptionSpec `json:"subscription,omitempty"`
}

// ResponseType tags a Response's kind.
type ResponseType string

const (
	RespSuccess ResponseType = "success"
	RespError   ResponseType = "error"
	RespData    ResponseType = "data"
	RespEvent   ResponseType = "event"
)

// Response is the single envelope for every daemon->client message.
type Response struct {
	Type ResponseType `json:"type"`

	Message string `json:"message,omitempty"`
	Value   any    `json:"value,omitempty"`

	Event *event.Event `json:"event,omitempty"`
}

// Success, ErrorResponse, Data, and EventResponse construct the corresponding
// Response variant.
func Success(message string) Response { return Response{Type: RespSuccess, Message: message} }

func ErrorResponse(message string) Response { return Response{Type: RespError, Message: message} }

func Data(value any) Response { return Response{Type: RespData, Value: value} }

func EventResponse(e event.Event) Response { return Response{Type: RespEvent, Event: &e} }

// AppStatus is the Data payload returned by a Status request for one
// application.
type AppStatus struct {
	Name         string `json:"name"`
	State        string `json:"state"`
	Pid          int    `json:"pid,omitempty"`
	Restarts     uint64 `json:"restarts"`
	LastExitCode *int   `json:"last_exit_code,omitempty"`
	UptimeSec    int64  `json:"uptime_seconds,omitempty"`
}
