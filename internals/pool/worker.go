package pool

import (
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

type State int32

const (
	Idle State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// Worker runs one job at a time from the shared queue until it is closed and empty
type Worker struct {
	ID    int
	jobs  <-chan Job
	state atomic.Int32
}

func newWorker(id int, jobs <-chan Job) *Worker {
	return &Worker{ID: id, jobs: jobs}
}

func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) run(p *Pool) {
	defer p.wg.Done()

	for job := range w.jobs {
		p.pending.Add(-1)
		p.busy.Add(1)
		w.state.Store(int32(Running))

		log.WithField("worker", w.ID).Debug("worker got a job, executing")
		w.execute(job)

		w.state.Store(int32(Idle))
		p.busy.Add(-1)
	}

	w.state.Store(int32(Stopped))
	log.WithField("worker", w.ID).Debug("worker disconnected, shutting down")
}

// execute keeps a panicking job from taking the worker down with it
func (w *Worker) execute(job Job) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{"worker": w.ID, "panic": r}).Error("job panicked")
		}
	}()
	job.Run()
}
