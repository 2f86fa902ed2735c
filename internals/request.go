package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

var ErrMalformedRequest = errors.New("malformed request")

const (
	contentLengthPrefix = "Content-Length:"
	maxBodyBytes        = 1 << 20
)

// Request is what the dispatcher reads off a connection. Headers and Body
// are only filled for routes that carry a body.
type Request struct {
	Method  string
	Path    string
	Proto   string
	Headers map[string]string // names as received
	Body    []byte
}

// readRequestLine reads "METHOD PATH PROTO" off the first line
func readRequestLine(r *bufio.Reader) (*Request, error) {
	line, err := r.ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || line == "") {
		return nil, fmt.Errorf("read request line: %w", err)
	}

	parts := strings.Fields(line)
	if len(parts) < 3 {
		return nil, fmt.Errorf("%w: request line %q", ErrMalformedRequest, strings.TrimSpace(line))
	}
	return &Request{Method: parts[0], Path: parts[1], Proto: parts[2]}, nil
}

// readBody consumes header lines up to the blank line and then exactly
// Content-Length bytes of body. No Content-Length means an empty body.
func (req *Request) readBody(r *bufio.Reader) error {
	req.Headers = make(map[string]string)
	contentLength := 0

	for {
		line, err := r.ReadString('\n')
		eof := errors.Is(err, io.EOF)
		if err != nil && !eof {
			return fmt.Errorf("read headers: %w", err)
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}

		if strings.HasPrefix(line, contentLengthPrefix) {
			n, convErr := strconv.Atoi(strings.TrimSpace(line[len(contentLengthPrefix):]))
			if convErr != nil || n < 0 || n > maxBodyBytes {
				return fmt.Errorf("%w: bad Content-Length %q", ErrMalformedRequest, line)
			}
			contentLength = n
		}
		if name, value, ok := strings.Cut(line, ":"); ok {
			req.Headers[name] = strings.TrimSpace(value)
		}

		if eof {
			break
		}
	}

	req.Body = make([]byte, contentLength)
	if _, err := io.ReadFull(r, req.Body); err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	return nil
}
