package testutils

import (
	"sync"
	"time"

	"github.com/srg/serialmgr/internal/driver"
	"github.com/srg/serialmgr/internal/liveness"
	"github.com/stretchr/testify/mock"
)

// RecordingListener records every delivery as "status:<KIND>" or "msg:<payload>".
type RecordingListener struct {
	mu     sync.Mutex
	events []string
	// Err, when set, is returned from every callback.
	Err error
	// Hook runs inside each callback before it records.
	Hook func()
}

func (l *RecordingListener) OnStatusChanged(code driver.EventKind) error {
	return l.record("status:" + code.String())
}

func (l *RecordingListener) OnMessageReceived(payload []byte) error {
	return l.record("msg:" + string(payload))
}

func (l *RecordingListener) record(ev string) error {
	l.mu.Lock()
	hook, err := l.Hook, l.Err
	l.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
	return nil
}

// Events returns the recorded deliveries in order.
func (l *RecordingListener) Events() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *RecordingListener) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// SetErr changes Err under the listener lock.
func (l *RecordingListener) SetErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Err = err
}

// WaitLen polls until at least n deliveries were recorded.
func (l *RecordingListener) WaitLen(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if l.Len() >= n {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return l.Len() >= n
}

// MockWatcher is a testify mock of liveness.Watcher. Expect calls with
//
//	w.On("Watch", mock.Anything).Return(nil)
//
// and kill an owner with Fire.
type MockWatcher struct {
	mock.Mock

	mu        sync.Mutex
	callbacks map[string]func()
	cancelled map[string]int
}

func NewMockWatcher() *MockWatcher {
	return &MockWatcher{callbacks: map[string]func(){}, cancelled: map[string]int{}}
}

func (w *MockWatcher) Watch(owner liveness.Owner, onUnreachable func()) (liveness.Token, error) {
	args := w.Called(owner)
	if err := args.Error(0); err != nil {
		return nil, err
	}

	id := owner.OwnerID()
	w.mu.Lock()
	w.callbacks[id] = onUnreachable
	w.mu.Unlock()

	return liveness.TokenFunc(func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.callbacks, id)
		w.cancelled[id]++
	}), nil
}

// Fire runs the death callback for owner id, as a dying owner would. It
// reports false if no active watch exists.
func (w *MockWatcher) Fire(id string) bool {
	w.mu.Lock()
	fn, ok := w.callbacks[id]
	w.mu.Unlock()
	if !ok {
		return false
	}
	fn()
	return true
}

// Cancelled returns how many tokens for owner id were cancelled.
func (w *MockWatcher) Cancelled(id string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancelled[id]
}
