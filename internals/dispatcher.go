package server

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/Credhat/ruueb/internals/assets"
	"github.com/Credhat/ruueb/internals/metrics"
	"github.com/Credhat/ruueb/internals/store"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const (
	defaultIndexAsset    = "index.html"
	defaultNotFoundAsset = "404.html"
	defaultSleep         = 5 * time.Second
	defaultSleepMax      = 60 * time.Second
)

// Dispatcher turns one connection into one request/response exchange.
// It never closes the connection, that is left to the caller.
type Dispatcher struct {
	Assets        assets.Provider
	Store         store.ProductStore
	IndexAsset    string
	NotFoundAsset string
	SleepDefault  time.Duration // /sleep and unparsable /sleep/<n>
	SleepMax      time.Duration
	WriteTimeout  time.Duration // zero disables the write deadline
	Metrics       *metrics.ServerMetrics
}

func NewDispatcher(a assets.Provider, s store.ProductStore) *Dispatcher {
	return &Dispatcher{
		Assets:        a,
		Store:         s,
		IndexAsset:    defaultIndexAsset,
		NotFoundAsset: defaultNotFoundAsset,
		SleepDefault:  defaultSleep,
		SleepMax:      defaultSleepMax,
	}
}

// Serve reads one request from conn and writes its response.
//
// Store errors are returned after the 200 response went out. Malformed
// requests get a 404 before the error is returned. Read failures on the
// request line return without writing anything.
func (d *Dispatcher) Serve(ctx context.Context, conn io.ReadWriter) error {
	logger := log.WithField("request_id", uuid.NewString())

	r := bufio.NewReader(conn)
	req, err := readRequestLine(r)
	if err != nil {
		return d.reject(ctx, conn, err)
	}

	logger = logger.WithFields(log.Fields{"method": req.Method, "path": req.Path})
	logger.Debug("request received")

	route, st, err := d.route(ctx, conn, r, req)
	if err != nil {
		return err
	}
	logger.WithFields(log.Fields{"route": route, "status": st.code}).Info("request served")
	return nil
}

func (d *Dispatcher) route(ctx context.Context, w io.Writer, r *bufio.Reader, req *Request) (string, status, error) {
	switch {
	case req.Method == "GET" && req.Path == "/":
		return "/", statusOK, d.respondAsset(ctx, w, "/", statusOK, d.IndexAsset)

	case req.Method == "GET" && (req.Path == "/sleep" || strings.HasPrefix(req.Path, "/sleep/")):
		// blocks this worker only, other workers keep serving
		time.Sleep(d.sleepFor(req.Path))
		return "/sleep", statusOK, d.respondAsset(ctx, w, "/sleep", statusOK, d.IndexAsset)

	case req.Method == "POST" && req.Path == "/add":
		if err := req.readBody(r); err != nil {
			return "/add", statusNotFound, d.reject(ctx, w, err)
		}
		storeErr := d.addProduct(ctx, req.Body)
		return "/add", statusOK, errors.Join(storeErr, d.respondAsset(ctx, w, "/add", statusOK, d.IndexAsset))

	case req.Method == "DELETE" && req.Path == "/delete":
		if err := req.readBody(r); err != nil {
			return "/delete", statusNotFound, d.reject(ctx, w, err)
		}
		storeErr := d.deleteProduct(ctx, req.Body)
		return "/delete", statusOK, errors.Join(storeErr, d.respondAsset(ctx, w, "/delete", statusOK, d.IndexAsset))

	case req.Method == "GET" && req.Path == "/products":
		return "/products", statusOK, d.listProducts(ctx, w)
	}

	return "unmatched", statusNotFound, d.respondAsset(ctx, w, "unmatched", statusNotFound, d.NotFoundAsset)
}

// reject answers a malformed request with the not-found page and hands err
// back. Anything else, like a broken stream, is returned untouched.
func (d *Dispatcher) reject(ctx context.Context, w io.Writer, err error) error {
	if !errors.Is(err, ErrMalformedRequest) {
		return err
	}
	return errors.Join(err, d.respondAsset(ctx, w, "malformed", statusNotFound, d.NotFoundAsset))
}

// sleepFor reads n out of /sleep/<n> in seconds, capped at SleepMax
func (d *Dispatcher) sleepFor(path string) time.Duration {
	arg := strings.TrimPrefix(strings.TrimPrefix(path, "/sleep"), "/")
	if arg == "" {
		return d.SleepDefault
	}

	secs, err := strconv.ParseUint(arg, 10, 64)
	if err != nil {
		log.WithField("path", path).WithError(err).Warn("could not parse sleep time, using default")
		return d.SleepDefault
	}
	if secs > uint64(d.SleepMax/time.Second) {
		return d.SleepMax
	}
	return time.Duration(secs) * time.Second
}

func (d *Dispatcher) addProduct(ctx context.Context, body []byte) error {
	p, err := store.ParseProduct(string(body))
	if err != nil {
		return fmt.Errorf("add product: %w", err)
	}
	if err := d.Store.Add(ctx, p); err != nil {
		return fmt.Errorf("add product: %w", err)
	}
	return nil
}

func (d *Dispatcher) deleteProduct(ctx context.Context, body []byte) error {
	name, err := store.ParseName(string(body))
	if err != nil {
		return fmt.Errorf("delete product: %w", err)
	}
	if err := d.Store.Delete(ctx, name); err != nil {
		return fmt.Errorf("delete product: %w", err)
	}
	return nil
}

// listProducts answers with the stored table itself, no asset involved
func (d *Dispatcher) listProducts(ctx context.Context, w io.Writer) error {
	products, err := d.Store.List(ctx)
	if err != nil {
		return fmt.Errorf("list products: %w", err)
	}

	var buf bytes.Buffer
	if err := store.WriteCSV(&buf, products, true); err != nil {
		return fmt.Errorf("encode products: %w", err)
	}
	return d.respond(w, "/products", statusOK, buf.Bytes())
}

func (d *Dispatcher) respondAsset(ctx context.Context, w io.Writer, route string, st status, name string) error {
	body, err := d.Assets.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("load asset: %w", err)
	}
	return d.respond(w, route, st, body)
}

func (d *Dispatcher) respond(w io.Writer, route string, st status, body []byte) error {
	if dl, ok := w.(writeDeadliner); ok && d.WriteTimeout > 0 {
		if err := dl.SetWriteDeadline(time.Now().Add(d.WriteTimeout)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
	}
	if err := writeResponse(w, st, body); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	d.Metrics.ObserveRequest(route, st.code)
	return nil
}
