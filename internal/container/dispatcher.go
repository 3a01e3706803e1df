package container

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rclone/avsd/internal/errs"
)

// defaultDeadline is the 30-second request deadline spec.md §4.4 puts on
// every non-compact operation.
const defaultDeadline = 30 * time.Second

type job struct {
	fn    func() (interface{}, error)
	reply chan jobResult
}

type jobResult struct {
	val interface{}
	err error
}

// dispatcher is the single-consumer mailbox serializing every operation
// against one container's (AVS file, metadata index) pair, per
// spec.md §4.4. It never runs two jobs concurrently: the run loop
// processes one message to completion before taking the next, even if
// the submitting caller has already timed out and stopped waiting.
type dispatcher struct {
	log     logrus.FieldLogger
	jobs    chan job
	done    chan struct{}
	stopped chan struct{}
}

func newDispatcher(log logrus.FieldLogger) *dispatcher {
	return &dispatcher{
		log:     log,
		jobs:    make(chan job, 64),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (d *dispatcher) run() {
	defer close(d.stopped)
	for {
		select {
		case j := <-d.jobs:
			val, err := j.fn()
			// Buffered by one so a caller that already gave up on the
			// 30-second deadline never blocks this loop.
			j.reply <- jobResult{val: val, err: err}
		case <-d.done:
			return
		}
	}
}

func (d *dispatcher) stop() {
	close(d.done)
	<-d.stopped
}

// submit enqueues fn and waits up to defaultDeadline for its reply. The
// dispatcher keeps running fn to completion even if this call times out
// first; no cancellation is propagated inward, per spec.md §5.
func (d *dispatcher) submit(fn func() (interface{}, error)) (interface{}, error) {
	j := job{fn: fn, reply: make(chan jobResult, 1)}
	select {
	case <-d.done:
		return nil, errs.ErrStopped
	default:
	}
	select {
	case d.jobs <- j:
	case <-d.done:
		return nil, errs.ErrStopped
	}
	select {
	case r := <-j.reply:
		return r.val, r.err
	case <-time.After(defaultDeadline):
		return nil, errTimeout
	}
}

// submitNoDeadline enqueues fn and waits indefinitely for its reply,
// used for compact (spec.md §4.4: "compact has no deadline") and for
// the final stop/terminate sequence.
func (d *dispatcher) submitNoDeadline(fn func() (interface{}, error)) (interface{}, error) {
	j := job{fn: fn, reply: make(chan jobResult, 1)}
	select {
	case <-d.done:
		return nil, errs.ErrStopped
	default:
	}
	select {
	case d.jobs <- j:
	case <-d.done:
		return nil, errs.ErrStopped
	}
	r := <-j.reply
	return r.val, r.err
}

var errTimeout = timeoutError{}

type timeoutError struct{}

func (timeoutError) Error() string { return "request deadline exceeded" }
