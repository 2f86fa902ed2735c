package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Credhat/ruueb/internals/assets"
	"github.com/Credhat/ruueb/internals/metrics"
	"github.com/Credhat/ruueb/internals/pool"
	ratelimiter "github.com/Credhat/ruueb/internals/rate-limiter"
	"github.com/Credhat/ruueb/internals/store"
	log "github.com/sirupsen/logrus"
)

const (
	maxAcceptDelay = time.Second
	// a rejected client gets this long to send its request and read the reply
	rejectLinger  = time.Second
	maxRejectRead = 64 << 10
)

// for accepting tcp connections
type Server struct {
	Pool       *pool.Pool
	Port       int
	Opts       ServerOpts
	Metrics    *metrics.ServerMetrics
	Listener   net.Listener
	Dispatcher *Dispatcher
	reqLimiter *ratelimiter.TokenBucket
	started    atomic.Bool
	rejects    sync.WaitGroup
	done       chan struct{}
}

type ServerOpts struct {
	Rate        int64
	Tokens      int64
	MaxThreads  int
	QueueSize   int
	ReadTimeout time.Duration // zero disables the read deadline
}

// createListener creates a TCP listener for the given host:port
func createListener(addr string) (net.Listener, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to create listener on %s: %w", addr, err)
	}

	return listener, nil
}

func createWorkerPool(maxWorkers, queueSize int) *pool.Pool {
	return pool.New(maxWorkers, pool.WithQueueSize(queueSize))
}

func createRateLimiter(rate, tokens int64) *ratelimiter.TokenBucket {
	return ratelimiter.RateLimiter(rate, tokens)
}

func handleRequests(s *Server) {
	log.Println("start handling requests")
	defer close(s.done)

	var (
		connCount int64
		delay     time.Duration
	)

	for {
		client, err := s.Listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				log.Info("listener closed, stop accepting")
				return
			}
			// back off so a persistent error (out of fds) does not spin
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay = min(2*delay, maxAcceptDelay)
			}
			log.WithError(err).Errorf("accept error, retrying in %v", delay)
			time.Sleep(delay)
			continue
		}
		delay = 0

		connID := atomic.AddInt64(&connCount, 1)

		if !s.reqLimiter.IsReqAllowed() {
			s.Metrics.ObserveRejected("rate_limited")
			s.reject(client, statusTooManyRequests, "Rate limit exceeded")
			log.Printf("Request %d rate limited", connID)
			continue
		}

		err = s.Pool.TrySubmit(s.connectionJob(connID, client))
		switch {
		case errors.Is(err, pool.ErrQueueFull):
			s.Metrics.ObserveRejected("queue_full")
			s.reject(client, statusServiceUnavailable, "Server busy, try again later")
			log.Printf("Request %d rejected - server busy (queue full)", connID)
		case errors.Is(err, pool.ErrPoolClosed):
			s.Metrics.ObserveRejected("shutting_down")
			s.reject(client, statusServiceUnavailable, "Server shutting down")
			log.Printf("Request %d rejected - server shutting down", connID)
		}
		s.Metrics.SetPoolState(s.Pool.Pending(), s.Pool.Busy())
	}
}

// connectionJob serves one connection on a worker and always closes it.
// Errors stay inside the job.
func (s *Server) connectionJob(id int64, conn net.Conn) pool.Job {
	return pool.JobFunc(func() {
		start := time.Now()
		defer conn.Close()
		s.Metrics.SetPoolState(s.Pool.Pending(), s.Pool.Busy())

		entry := log.WithFields(log.Fields{"conn": id, "remote": conn.RemoteAddr().String()})
		entry.Debug("processing connection")

		if s.Opts.ReadTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(s.Opts.ReadTimeout)); err != nil {
				entry.WithError(err).Warn("could not set read deadline")
			}
		}

		if err := s.Dispatcher.Serve(context.Background(), conn); err != nil {
			s.Metrics.ObserveFailure(failureKind(err))
			entry.WithError(err).Warn("connection handling failed")
		}
		s.Metrics.ObserveJob(time.Since(start))
	})
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, ErrMalformedRequest):
		return "malformed"
	case errors.Is(err, store.ErrInvalidRecord), errors.Is(err, store.ErrNotFound):
		return "store"
	case errors.Is(err, assets.ErrNotFound):
		return "asset"
	}
	return "io"
}

// reject answers a connection that never reaches a worker. The request is
// drained before closing, closing with unread input resets the connection
// and the client can lose the reply.
func (s *Server) reject(client net.Conn, st status, msg string) {
	s.rejects.Add(1)
	go func() {
		defer s.rejects.Done()
		defer client.Close()

		_ = client.SetDeadline(time.Now().Add(rejectLinger))
		if err := writeResponse(client, st, []byte(msg)); err != nil {
			log.WithError(err).Debug("could not write rejection")
			return
		}
		if tc, ok := client.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
		// until the client hangs up, the linger expires or the limit is hit
		_, _ = io.Copy(io.Discard, io.LimitReader(client, maxRejectRead))
	}()
}

// NewServer creates a new server instance with all components initialized.
// addr is host:port, port 0 picks a free one.
func NewServer(addr string, opts ServerOpts, d *Dispatcher, metrics *metrics.ServerMetrics) (*Server, error) {
	// Create listener
	listener, err := createListener(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}

	// Create worker pool
	workerPool := createWorkerPool(opts.MaxThreads, opts.QueueSize)

	// Create rate limiter
	rateLimiter := createRateLimiter(opts.Rate, opts.Tokens)

	if d.Metrics == nil {
		d.Metrics = metrics
	}

	return &Server{
		Pool:       workerPool,
		Port:       listener.Addr().(*net.TCPAddr).Port,
		Opts:       opts,
		Metrics:    metrics,
		Listener:   listener,
		Dispatcher: d,
		reqLimiter: rateLimiter,
		done:       make(chan struct{}),
	}, nil
}

// Addr is the address the listener is bound to
func (s *Server) Addr() string {
	return s.Listener.Addr().String()
}

// Start starts the server and begins handling requests (blocks until Close)
func (s *Server) Start() {
	s.started.Store(true)
	log.Printf("Starting server on %s", s.Addr())
	handleRequests(s)
}

// Close closes the socket listener and worker pool, waiting for
// connections already handed to a worker to finish and for rejected
// connections to be let go.
func (s *Server) Close() {
	s.Listener.Close()
	if s.started.Load() {
		// no reject can start once the accept loop is gone
		<-s.done
	}
	s.Pool.Close()
	s.rejects.Wait()
}

// Done is closed once the accept loop has returned
func (s *Server) Done() <-chan struct{} {
	return s.done
}
