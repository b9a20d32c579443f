package dispatch

import (
	"context"
	"sync"

	"github.com/srg/serialmgr/internal/groutine"
)

// Executor runs tasks in the execution context of a listener.
// Tasks submitted to one executor run one at a time, in submission order.
type Executor interface {
	Execute(task func()) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(task func()) error

func (f ExecutorFunc) Execute(task func()) error { return f(task) }

// SerialExecutor is an unbounded FIFO drained by one goroutine.
//
// The queue never rejects work while running, so status deliveries are never
// dropped no matter how slow the listener is.
type SerialExecutor struct {
	mu      sync.Mutex
	tasks   []func()
	stopped bool

	wake chan struct{}
	quit chan struct{}
	done <-chan struct{}

	stopOnce sync.Once
}

// NewSerialExecutor starts an executor goroutine named after the listener.
func NewSerialExecutor(name string) *SerialExecutor {
	e := &SerialExecutor{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
	}
	e.done = groutine.Start(context.Background(), "listener-"+name, e.run)
	return e
}

func (e *SerialExecutor) Execute(task func()) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrExecutorStopped
	}
	e.tasks = append(e.tasks, task)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the number of queued tasks.
func (e *SerialExecutor) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tasks)
}

// Stop discards queued tasks and tells the goroutine to exit after the task it
// is running. It does not wait, so it may be called from inside a task.
func (e *SerialExecutor) Stop() {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		e.stopped = true
		e.tasks = nil
		e.mu.Unlock()
		close(e.quit)
	})
}

// Close stops the executor and waits for its goroutine to exit. It must not be
// called from a task running on this executor.
func (e *SerialExecutor) Close() {
	e.Stop()
	<-e.done
}

func (e *SerialExecutor) run(context.Context) {
	for {
		select {
		case <-e.quit:
			return
		case <-e.wake:
		}

		for {
			e.mu.Lock()
			if e.stopped || len(e.tasks) == 0 {
				e.mu.Unlock()
				break
			}
			task := e.tasks[0]
			e.tasks[0] = nil
			e.tasks = e.tasks[1:]
			e.mu.Unlock()

			task()
		}
	}
}
