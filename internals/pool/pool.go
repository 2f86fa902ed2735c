// Package pool runs submitted jobs on a fixed set of worker goroutines.
package pool

import (
	"errors"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

var (
	ErrPoolClosed = errors.New("pool: submit on closed pool")
	ErrQueueFull  = errors.New("pool: job queue is full")
)

// Job is a unit of work submitted to the pool
type Job interface {
	Run()
}

// JobFunc lets a plain func be submitted as a Job
type JobFunc func()

func (f JobFunc) Run() { f() }

type Option func(*Pool)

// WithQueueSize caps the number of pending jobs TrySubmit accepts.
// Zero means no cap. Submit ignores it.
func WithQueueSize(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.queueSize = n
		}
	}
}

// Pool owns the workers and the sending side of the job queue.
//
// Jobs go into inbox, a forwarder goroutine buffers them in FIFO order and
// hands them to whichever worker is receiving on outbox first.
type Pool struct {
	queueSize int

	inbox  chan Job
	outbox chan Job

	workers []*Worker
	wg      sync.WaitGroup

	mu     sync.RWMutex // guards closed and sends on inbox
	closed bool

	pending atomic.Int64 // submitted but not yet picked up by a worker
	busy    atomic.Int64
}

// New starts a pool of size workers. It panics if size is not positive.
func New(size int, opts ...Option) *Pool {
	if size <= 0 {
		panic("pool: worker count must be positive")
	}

	p := &Pool{
		inbox:   make(chan Job),
		outbox:  make(chan Job),
		workers: make([]*Worker, 0, size),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.wg.Add(1)
	go p.forward()

	for i := 0; i < size; i++ {
		w := newWorker(i, p.outbox)
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go w.run(p)
	}

	log.WithFields(log.Fields{"workers": size, "queue_size": p.queueSize}).Info("worker pool started")
	return p
}

// forward moves jobs from inbox to outbox, buffering without bound in
// between so a submitter never waits for a free worker.
func (p *Pool) forward() {
	defer p.wg.Done()

	var buf []Job
	in := p.inbox
	for in != nil || len(buf) > 0 {
		if len(buf) == 0 {
			j, ok := <-in
			if !ok {
				in = nil
				continue
			}
			buf = append(buf, j)
			continue
		}

		select {
		case j, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			buf = append(buf, j)
		case p.outbox <- buf[0]:
			buf[0] = nil
			buf = buf[1:]
		}
	}
	close(p.outbox)
}

// Submit queues j for the first free worker. It does not wait for j to run.
func (p *Pool) Submit(j Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}
	p.pending.Add(1)
	p.inbox <- j
	return nil
}

// TrySubmit is Submit with the queue cap applied: it returns ErrQueueFull
// instead of queueing past the size given by WithQueueSize.
func (p *Pool) TrySubmit(j Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}
	for {
		n := p.pending.Load()
		if p.queueSize > 0 && n >= int64(p.queueSize) {
			return ErrQueueFull
		}
		if p.pending.CompareAndSwap(n, n+1) {
			break
		}
	}
	p.inbox <- j
	return nil
}

// Close stops accepting jobs, lets the workers drain whatever is queued and
// waits for all of them to exit. Running jobs are not interrupted.
//
// A job must not call Close directly: Close would wait for the worker that is
// running it and never return. A job that needs to stop the pool can call it
// from a new goroutine.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.closed = true
	close(p.inbox)
	p.mu.Unlock()

	for _, w := range p.workers {
		log.WithField("worker", w.ID).Debug("shutting down worker")
	}
	p.wg.Wait()
	log.Info("worker pool stopped")
}

// Size is the number of workers.
func (p *Pool) Size() int { return len(p.workers) }

// Pending is the number of queued jobs no worker has picked up yet.
func (p *Pool) Pending() int { return int(p.pending.Load()) }

// Busy is the number of workers currently running a job.
func (p *Pool) Busy() int { return int(p.busy.Load()) }

// States reports each worker's state, indexed by worker id.
func (p *Pool) States() []State {
	states := make([]State, len(p.workers))
	for i, w := range p.workers {
		states[i] = w.State()
	}
	return states
}
