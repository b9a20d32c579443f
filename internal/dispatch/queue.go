// Package dispatch turns synchronous notifications from the event pump into
// asynchronous deliveries on each listener's own executor.
//
// Status changes are delivered one task per change, in the order they were
// posted. Messages are coalesced: while a drain task is scheduled but has not
// run yet, newly posted payloads join the same batch, and the drain hands them
// to the listener in arrival order.
package dispatch

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/serialmgr/internal/driver"
)

var (
	// ErrListenerUnreachable wraps every failure that removes a listener.
	ErrListenerUnreachable = errors.New("listener unreachable")
	ErrQueueClosed         = errors.New("dispatch queue closed")
	ErrExecutorStopped     = errors.New("executor stopped")
)

// Listener receives device events. A non-nil error (or a panic) marks the
// listener unreachable and it is removed.
type Listener interface {
	OnStatusChanged(code driver.EventKind) error
	OnMessageReceived(payload []byte) error
}

// QueueOptions configures a Queue.
type QueueOptions struct {
	Logger *logrus.Logger
	Name   string
	// OnFailure is called at most once, on the executor goroutine, with an
	// error wrapping ErrListenerUnreachable.
	OnFailure func(err error)
}

// QueueStats counts what a queue delivered.
type QueueStats struct {
	StatusDelivered  int64 `json:"status_delivered"`
	MessageDelivered int64 `json:"message_delivered"`
	Drains           int64 `json:"drains"`
}

// Queue is the per-listener dispatch queue.
type Queue struct {
	listener  Listener
	executor  Executor
	logger    *logrus.Entry
	onFailure func(error)

	mu        sync.Mutex
	batch     [][]byte
	scheduled bool
	epoch     uint64
	closed    bool

	failed atomic.Bool

	statusDelivered  atomic.Int64
	messageDelivered atomic.Int64
	drains           atomic.Int64
}

// NewQueue creates a queue delivering to l on ex.
func NewQueue(l Listener, ex Executor, opts *QueueOptions) *Queue {
	var o QueueOptions
	if opts != nil {
		o = *opts
	}
	logger := o.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	return &Queue{
		listener:  l,
		executor:  ex,
		logger:    logger.WithField("listener", o.Name),
		onFailure: o.OnFailure,
	}
}

// PostStatus schedules one status delivery. Never coalesced.
func (q *Queue) PostStatus(code driver.EventKind) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	epoch := q.epoch
	q.mu.Unlock()

	err := q.executor.Execute(func() {
		q.deliver(epoch, func() error {
			if err := q.listener.OnStatusChanged(code); err != nil {
				return err
			}
			q.statusDelivered.Add(1)
			return nil
		})
	})
	if err != nil {
		q.fail(fmt.Errorf("schedule status %s: %w", code, err))
		return err
	}
	return nil
}

// PostMessage appends payload to the pending batch and schedules a drain if
// none is scheduled yet.
func (q *Queue) PostMessage(payload []byte) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.batch = append(q.batch, payload)
	if q.scheduled {
		q.mu.Unlock()
		return nil
	}
	q.scheduled = true
	epoch := q.epoch
	q.mu.Unlock()

	if err := q.executor.Execute(func() { q.drain(epoch) }); err != nil {
		q.mu.Lock()
		if q.epoch == epoch {
			q.scheduled = false
			q.batch = nil
		}
		q.mu.Unlock()
		q.fail(fmt.Errorf("schedule drain: %w", err))
		return err
	}
	return nil
}

func (q *Queue) drain(epoch uint64) {
	q.mu.Lock()
	if q.closed || q.epoch != epoch {
		q.mu.Unlock()
		return
	}
	batch := q.batch
	q.batch = nil
	q.scheduled = false
	q.mu.Unlock()

	q.drains.Add(1)
	for i, payload := range batch {
		if !q.current(epoch) {
			q.logger.WithField("dropped", len(batch)-i).Debug("Batch fenced mid-drain")
			return
		}
		if err := q.invoke(func() error { return q.listener.OnMessageReceived(payload) }); err != nil {
			q.logger.WithField("batch_size", len(batch)).Debug("Abandoning message batch")
			q.fail(err)
			return
		}
		q.messageDelivered.Add(1)
	}
}

func (q *Queue) deliver(epoch uint64, fn func() error) {
	if !q.current(epoch) {
		return
	}
	if err := q.invoke(fn); err != nil {
		q.fail(err)
	}
}

// current reports whether work captured at epoch may still start.
func (q *Queue) current(epoch uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.closed && q.epoch == epoch
}

func (q *Queue) invoke(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return fn()
}

func (q *Queue) fail(err error) {
	if !q.failed.CompareAndSwap(false, true) {
		return
	}
	q.mu.Lock()
	q.closed = true
	q.batch = nil
	q.mu.Unlock()

	err = fmt.Errorf("%w: %w", ErrListenerUnreachable, err)
	q.logger.WithError(err).Warn("Listener failed, removing it")
	if q.onFailure != nil {
		q.onFailure(err)
	}
}

// Fence discards everything posted so far. No callback for work posted
// before the fence starts after Fence returns, including the rest of a batch
// that is being drained. A callback already running is not waited for, so a
// hung listener cannot hold up the caller.
func (q *Queue) Fence() {
	q.mu.Lock()
	q.epoch++
	q.batch = nil
	q.scheduled = false
	q.mu.Unlock()
}

// Close rejects further posts and discards pending work. It does not wait for
// a running callback, so it is safe to call from one.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.epoch++
	q.batch = nil
	q.scheduled = false
	q.mu.Unlock()
}

// Stats returns delivery counters.
func (q *Queue) Stats() QueueStats {
	return QueueStats{
		StatusDelivered:  q.statusDelivered.Load(),
		MessageDelivered: q.messageDelivered.Load(),
		Drains:           q.drains.Load(),
	}
}
