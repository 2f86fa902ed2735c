package server

import (
	"io"
	"strconv"
	"time"
)

type status struct {
	code int
	line string
}

var (
	statusOK                 = status{200, "HTTP/1.1 200 OK"}
	statusNotFound           = status{404, "HTTP/1.1 404 NOT FOUND"}
	statusTooManyRequests    = status{429, "HTTP/1.1 429 TOO MANY REQUESTS"}
	statusServiceUnavailable = status{503, "HTTP/1.1 503 SERVICE UNAVAILABLE"}
)

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// writeResponse frames a response as status line, Content-Length and body.
// No other headers are sent.
func writeResponse(w io.Writer, st status, body []byte) error {
	buf := make([]byte, 0, len(st.line)+len(body)+32)
	buf = append(buf, st.line...)
	buf = append(buf, "\r\nContent-Length: "...)
	buf = strconv.AppendInt(buf, int64(len(body)), 10)
	buf = append(buf, "\r\n\r\n"...)
	buf = append(buf, body...)

	_, err := w.Write(buf)
	return err
}
