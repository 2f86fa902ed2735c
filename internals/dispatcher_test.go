package server

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/Credhat/ruueb/internals/assets"
	"github.com/Credhat/ruueb/internals/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	indexPage    = "<h1>ruueb</h1>"
	notFoundPage = "<h1>404</h1>"
)

// fakeConn feeds a canned request and records what is written back
type fakeConn struct {
	in            *strings.Reader
	out           bytes.Buffer
	writeDeadline time.Time
	failWrite     bool
}

func newFakeConn(request string) *fakeConn {
	return &fakeConn{in: strings.NewReader(request)}
}

func (c *fakeConn) Read(b []byte) (int, error) { return c.in.Read(b) }

func (c *fakeConn) Write(b []byte) (int, error) {
	if c.failWrite {
		return 0, errors.New("broken pipe")
	}
	return c.out.Write(b)
}

func (c *fakeConn) SetWriteDeadline(t time.Time) error {
	c.writeDeadline = t
	return nil
}

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	site := assets.NewMemoryProvider(map[string][]byte{
		"index.html": []byte(indexPage),
		"404.html":   []byte(notFoundPage),
	})
	d := NewDispatcher(site, store.NewCSVStore(filepath.Join(t.TempDir(), "products.csv")))
	d.SleepDefault = 50 * time.Millisecond
	d.SleepMax = 2 * time.Second
	return d
}

func response(statusLine, body string) string {
	return statusLine + "\r\nContent-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n" + body
}

func serve(t *testing.T, d *Dispatcher, request string) (string, error) {
	t.Helper()
	conn := newFakeConn(request)
	err := d.Serve(context.Background(), conn)
	return conn.out.String(), err
}

func TestServeIndex(t *testing.T) {
	d := newTestDispatcher(t)

	out, err := serve(t, d, "GET / HTTP/1.1\r\nHost: localhost\r\n\r\n")
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 200 OK\r\nContent-Length: 14\r\n\r\n"+indexPage, out)
}

func TestServeUnknownPath(t *testing.T) {
	d := newTestDispatcher(t)

	tests := []string{
		"GET /unknown-path HTTP/1.1\r\n\r\n",
		"POST / HTTP/1.1\r\n\r\n",
		"GET /add HTTP/1.1\r\n\r\n",
		"GET /sleepy HTTP/1.1\r\n\r\n",
	}
	for _, req := range tests {
		out, err := serve(t, d, req)
		require.NoError(t, err, req)
		assert.Equal(t, response("HTTP/1.1 404 NOT FOUND", notFoundPage), out, req)
	}
}

func TestServeMalformedRequestLine(t *testing.T) {
	d := newTestDispatcher(t)

	for _, req := range []string{"GET /\r\n\r\n", "GARBAGE\r\n", "\r\n"} {
		out, err := serve(t, d, req)
		assert.ErrorIs(t, err, ErrMalformedRequest, req)
		assert.Equal(t, response("HTTP/1.1 404 NOT FOUND", notFoundPage), out, req)
	}
}

func TestServeEmptyStreamWritesNothing(t *testing.T) {
	d := newTestDispatcher(t)

	out, err := serve(t, d, "")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrMalformedRequest)
	assert.Empty(t, out)
}

func TestServeRequestLineWithoutNewline(t *testing.T) {
	d := newTestDispatcher(t)

	out, err := serve(t, d, "GET / HTTP/1.1")
	require.NoError(t, err)
	assert.Equal(t, response("HTTP/1.1 200 OK", indexPage), out)
}

func TestServeSleep(t *testing.T) {
	d := newTestDispatcher(t)

	start := time.Now()
	out, err := serve(t, d, "GET /sleep HTTP/1.1\r\n\r\n")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), d.SleepDefault)
	assert.Equal(t, response("HTTP/1.1 200 OK", indexPage), out)

	start = time.Now()
	out, err = serve(t, d, "GET /sleep/1 HTTP/1.1\r\n\r\n")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
	assert.Equal(t, response("HTTP/1.1 200 OK", indexPage), out)
}

func TestSleepFor(t *testing.T) {
	d := NewDispatcher(nil, nil)

	tests := []struct {
		path string
		want time.Duration
	}{
		{"/sleep", 5 * time.Second},
		{"/sleep/", 5 * time.Second},
		{"/sleep/2", 2 * time.Second},
		{"/sleep/0", 0},
		{"/sleep/60", 60 * time.Second},
		{"/sleep/61", 60 * time.Second},
		{"/sleep/18446744073709551615", 60 * time.Second},
		{"/sleep/abc", 5 * time.Second},
		{"/sleep/-1", 5 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, d.sleepFor(tt.path), tt.path)
	}
}

func addRequest(body string) string {
	return "POST /add HTTP/1.1\r\nContent-Type: text/plain\r\nContent-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n" + body
}

func deleteRequest(body string) string {
	return "DELETE /delete HTTP/1.1\r\nContent-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n" + body
}

func TestAddThenListProducts(t *testing.T) {
	d := newTestDispatcher(t)

	out, err := serve(t, d, addRequest("7,Widget,9.99,3"))
	require.NoError(t, err)
	assert.Equal(t, response("HTTP/1.1 200 OK", indexPage), out)

	out, err = serve(t, d, "GET /products HTTP/1.1\r\n\r\n")
	require.NoError(t, err)
	assert.Equal(t, response("HTTP/1.1 200 OK", "id,name,price,quantity\n7,Widget,9.99,3\n"), out)

	// same id again replaces the record
	_, err = serve(t, d, addRequest("7,Widget,12.00,5"))
	require.NoError(t, err)
	out, err = serve(t, d, "GET /products HTTP/1.1\r\n\r\n")
	require.NoError(t, err)
	assert.Equal(t, response("HTTP/1.1 200 OK", "id,name,price,quantity\n7,Widget,12.00,5\n"), out)
}

func TestAddInvalidRecordStillAnswers(t *testing.T) {
	d := newTestDispatcher(t)

	out, err := serve(t, d, addRequest("7,Widget"))
	assert.ErrorIs(t, err, store.ErrInvalidRecord)
	assert.Equal(t, response("HTTP/1.1 200 OK", indexPage), out)

	// no Content-Length reads an empty body, which the store refuses
	out, err = serve(t, d, "POST /add HTTP/1.1\r\n\r\n")
	assert.ErrorIs(t, err, store.ErrInvalidRecord)
	assert.Equal(t, response("HTTP/1.1 200 OK", indexPage), out)
}

func TestAddBadContentLength(t *testing.T) {
	d := newTestDispatcher(t)

	out, err := serve(t, d, "POST /add HTTP/1.1\r\nContent-Length: lots\r\n\r\n7,Widget,9.99,3")
	assert.ErrorIs(t, err, ErrMalformedRequest)
	assert.Equal(t, response("HTTP/1.1 404 NOT FOUND", notFoundPage), out)
}

func TestAddShortBody(t *testing.T) {
	d := newTestDispatcher(t)

	out, err := serve(t, d, "POST /add HTTP/1.1\r\nContent-Length: 40\r\n\r\n7,Widget,9.99,3")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrMalformedRequest)
	assert.Empty(t, out)
}

func TestDeleteProduct(t *testing.T) {
	d := newTestDispatcher(t)

	_, err := serve(t, d, addRequest("7,Widget,9.99,3"))
	require.NoError(t, err)
	_, err = serve(t, d, addRequest("8,Gadget,1.50,10"))
	require.NoError(t, err)

	out, err := serve(t, d, deleteRequest("_,Widget"))
	require.NoError(t, err)
	assert.Equal(t, response("HTTP/1.1 200 OK", indexPage), out)

	out, err = serve(t, d, "GET /products HTTP/1.1\r\n\r\n")
	require.NoError(t, err)
	assert.Equal(t, response("HTTP/1.1 200 OK", "id,name,price,quantity\n8,Gadget,1.50,10\n"), out)

	out, err = serve(t, d, deleteRequest("_,Widget"))
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, response("HTTP/1.1 200 OK", indexPage), out)

	out, err = serve(t, d, "GET /products HTTP/1.1\r\n\r\n")
	require.NoError(t, err)
	assert.Equal(t, response("HTTP/1.1 200 OK", "id,name,price,quantity\n8,Gadget,1.50,10\n"), out)
}

func TestListEmptyStore(t *testing.T) {
	d := newTestDispatcher(t)

	out, err := serve(t, d, "GET /products HTTP/1.1\r\n\r\n")
	require.NoError(t, err)
	assert.Equal(t, response("HTTP/1.1 200 OK", "id,name,price,quantity\n"), out)
}

func TestMissingAssetIsReported(t *testing.T) {
	d := newTestDispatcher(t)
	d.Assets = assets.NewMemoryProvider(nil)

	out, err := serve(t, d, "GET / HTTP/1.1\r\n\r\n")
	assert.ErrorIs(t, err, assets.ErrNotFound)
	assert.Empty(t, out)
}

func TestWriteFailureIsReported(t *testing.T) {
	d := newTestDispatcher(t)
	conn := newFakeConn("GET / HTTP/1.1\r\n\r\n")
	conn.failWrite = true

	err := d.Serve(context.Background(), conn)
	assert.ErrorContains(t, err, "broken pipe")
}

func TestWriteDeadline(t *testing.T) {
	d := newTestDispatcher(t)

	conn := newFakeConn("GET / HTTP/1.1\r\n\r\n")
	require.NoError(t, d.Serve(context.Background(), conn))
	assert.True(t, conn.writeDeadline.IsZero())

	d.WriteTimeout = time.Minute
	conn = newFakeConn("GET / HTTP/1.1\r\n\r\n")
	require.NoError(t, d.Serve(context.Background(), conn))
	assert.WithinDuration(t, time.Now().Add(time.Minute), conn.writeDeadline, 5*time.Second)
}

func TestReadBodyHeaders(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		headers map[string]string
		body    string
	}{
		{
			name:    "content length",
			raw:     "Content-Type: text/plain\r\nContent-Length: 3\r\n\r\nabcdef",
			headers: map[string]string{"Content-Type": "text/plain", "Content-Length": "3"},
			body:    "abc",
		},
		{
			name:    "header match is case sensitive",
			raw:     "content-length: 3\r\n\r\nabc",
			headers: map[string]string{"content-length": "3"},
			body:    "",
		},
		{
			name:    "headers end at eof",
			raw:     "X-Thing: 1",
			headers: map[string]string{"X-Thing": "1"},
			body:    "",
		},
		{
			name:    "bare newlines",
			raw:     "Content-Length: 2\n\nhi",
			headers: map[string]string{"Content-Length": "2"},
			body:    "hi",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &Request{}
			require.NoError(t, req.readBody(bufio.NewReader(strings.NewReader(tt.raw))))
			assert.Equal(t, tt.headers, req.Headers)
			assert.Equal(t, tt.body, string(req.Body))
		})
	}
}

func TestReadBodyRejectsHugeContentLength(t *testing.T) {
	req := &Request{}
	err := req.readBody(bufio.NewReader(strings.NewReader("Content-Length: 99999999999\r\n\r\n")))
	assert.ErrorIs(t, err, ErrMalformedRequest)
}
