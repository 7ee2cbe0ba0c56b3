package ipc

import (
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/kalehq/sentryd/internal/apperr"
)

// MaxFrameSize is the largest frame the codec will send or accept.
// Exceeding it on send fails synchronously; exceeding it on receive aborts
// the connection.
const MaxFrameSize = 10 * 1024 * 1024

// WriteFrame encodes v as JSON and writes it to w as a 4-byte
// little-endian length prefix followed by that many bytes.
func WriteFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return apperr.Wrap(apperr.KindIO, "marshal ipc frame", err)
	}
	if len(payload) > MaxFrameSize {
		return apperr.New(apperr.KindIO, "ipc frame exceeds maximum size")
	}

	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return apperr.Wrap(apperr.KindIO, "write ipc frame header", err)
	}
	if _, err := w.Write(payload); err != nil {
		return apperr.Wrap(apperr.KindIO, "write ipc frame body", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed JSON frame from r and decodes it into
// v. A frame whose declared length exceeds MaxFrameSize aborts with an
// error rather than attempting to read it.
func ReadFrame(r io.Reader, v any) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return err
	}
	n := binary.LittleEndian.Uint32(header[:])
	if n > MaxFrameSize {
		return apperr.New(apperr.KindIO, "ipc frame exceeds maximum size")
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return apperr.Wrap(apperr.KindIO, "read ipc frame body", err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return apperr.Wrap(apperr.KindIO, "unmarshal ipc frame", err)
	}
	return nil
}

// WriteRequest and ReadRequest are WriteFrame/ReadFrame specialized to
// Request: the CLI client writes requests and the daemon's connection
// handler reads them.
func WriteRequest(w io.Writer, req Request) error { return WriteFrame(w, req) }

func ReadRequest(r io.Reader) (Request, error) {
	var req Request
	err := ReadFrame(r, &req)
	return req, err
}

// WriteResponse and ReadResponse are WriteFrame/ReadFrame specialized to
// Response: the daemon's connection handler writes responses and the CLI
// client reads them.
func WriteResponse(w io.Writer, resp Response) error { return WriteFrame(w, resp) }

func ReadResponse(r io.Reader) (Response, error) {
	var resp Response
	err := ReadFrame(r, &resp)
	return resp, err
}
