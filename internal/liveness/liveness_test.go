package liveness

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextWatcher_FiresOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fired := make(chan struct{})

	tok, err := ContextWatcher{}.Watch(NewContextOwner(ctx, "a"), func() { close(fired) })
	require.NoError(t, err)
	require.NotNil(t, tok)

	cancel()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("watch MUST fire when the owner context is done")
	}
}

func TestContextWatcher_CancelledTokenNeverFires(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var fired atomic.Bool

	tok, err := ContextWatcher{}.Watch(NewContextOwner(ctx, "a"), func() { fired.Store(true) })
	require.NoError(t, err)

	tok.Cancel()
	tok.Cancel()
	cancel()

	time.Sleep(20 * time.Millisecond)
	assert.False(t, fired.Load(), "cancelled watch MUST NOT fire")
}

func TestContextWatcher_OwnerAlreadyGone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tok, err := ContextWatcher{}.Watch(NewContextOwner(ctx, "a"), func() {})
	require.ErrorIs(t, err, ErrOwnerGone)
	assert.Nil(t, tok)

	_, err = ContextWatcher{}.Watch(ProcessOwner{PID: 1}, func() {})
	assert.ErrorIs(t, err, ErrUnsupportedOwner)
}

func TestOwnerID(t *testing.T) {
	assert.Equal(t, "ctx:a", NewContextOwner(context.Background(), "a").OwnerID())
	assert.Equal(t, "pid:42", ProcessOwner{PID: 42, Name: "x"}.OwnerID())
}

// fakePids is a pid table the test flips by hand.
type fakePids struct {
	mu    sync.Mutex
	alive map[int32]bool
	err   error
}

func (f *fakePids) exists(_ context.Context, pid int32) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[pid], f.err
}

func (f *fakePids) set(pid int32, alive bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive[pid] = alive
}

func TestProcessWatcher_FiresOncePerDeath(t *testing.T) {
	pids := &fakePids{alive: map[int32]bool{100: true, 200: true}}
	w := NewProcessWatcher(&ProcessWatcherOptions{PollInterval: 5 * time.Millisecond, PidExists: pids.exists})
	t.Cleanup(w.Close)

	var fired100, fired200 atomic.Int32
	_, err := w.Watch(ProcessOwner{PID: 100}, func() { fired100.Add(1) })
	require.NoError(t, err)
	_, err = w.Watch(ProcessOwner{PID: 200}, func() { fired200.Add(1) })
	require.NoError(t, err)
	require.Equal(t, 2, w.Len())

	pids.set(100, false)

	require.Eventually(t, func() bool { return fired100.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), fired100.Load(), "callback MUST fire exactly once")
	assert.Equal(t, int32(0), fired200.Load(), "live process MUST NOT fire")
	assert.Equal(t, 1, w.Len())
}

func TestProcessWatcher_CancelAndErrors(t *testing.T) {
	pids := &fakePids{alive: map[int32]bool{100: true}}
	w := NewProcessWatcher(&ProcessWatcherOptions{PollInterval: 5 * time.Millisecond, PidExists: pids.exists})
	t.Cleanup(w.Close)

	var fired atomic.Bool
	tok, err := w.Watch(ProcessOwner{PID: 100}, func() { fired.Store(true) })
	require.NoError(t, err)
	tok.Cancel()
	assert.Equal(t, 0, w.Len())

	pids.set(100, false)
	time.Sleep(30 * time.Millisecond)
	assert.False(t, fired.Load(), "cancelled watch MUST NOT fire")

	_, err = w.Watch(ProcessOwner{PID: 100}, func() {})
	assert.ErrorIs(t, err, ErrOwnerGone)

	_, err = w.Watch(NewContextOwner(context.Background(), "x"), func() {})
	assert.ErrorIs(t, err, ErrUnsupportedOwner)

	pids.mu.Lock()
	pids.err = errors.New("lookup failed")
	pids.mu.Unlock()
	_, err = w.Watch(ProcessOwner{PID: 100}, func() {})
	assert.ErrorContains(t, err, "lookup failed")
}

func TestProcessWatcher_RealProcess(t *testing.T) {
	w := NewProcessWatcher(&ProcessWatcherOptions{PollInterval: 10 * time.Millisecond})
	t.Cleanup(w.Close)

	tok, err := w.Watch(ProcessOwner{PID: int32(os.Getpid())}, func() {})
	require.NoError(t, err, "current process MUST be watchable")
	tok.Cancel()

	path, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep binary not available")
	}
	cmd := exec.Command(path, "10")
	require.NoError(t, cmd.Start())

	fired := make(chan struct{})
	_, err = w.Watch(ProcessOwner{PID: int32(cmd.Process.Pid), Name: "sleep"}, func() { close(fired) })
	require.NoError(t, err)

	require.NoError(t, cmd.Process.Kill())
	_ = cmd.Wait()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("watch MUST fire after the process exits")
	}
}

func TestMux_Routes(t *testing.T) {
	pids := &fakePids{alive: map[int32]bool{7: true}}
	pw := NewProcessWatcher(&ProcessWatcherOptions{PollInterval: time.Hour, PidExists: pids.exists})
	t.Cleanup(pw.Close)

	m := &Mux{Context: ContextWatcher{}, Process: pw}

	_, err := m.Watch(ProcessOwner{PID: 7}, func() {})
	require.NoError(t, err)
	assert.Equal(t, 1, pw.Len())

	ctx, cancel := context.WithCancel(context.Background())
	fired := make(chan struct{})
	_, err = m.Watch(NewContextOwner(ctx, "c"), func() { close(fired) })
	require.NoError(t, err)
	cancel()
	<-fired

	_, err = (&Mux{}).Watch(ProcessOwner{PID: 7}, func() {})
	assert.ErrorIs(t, err, ErrUnsupportedOwner)
}
