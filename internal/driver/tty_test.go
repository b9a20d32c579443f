//go:build linux

package driver

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openPTY(t *testing.T) (master *os.File, slavePath string) {
	t.Helper()
	m, s, err := pty.Open()
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(); _ = s.Close() })
	return m, s.Name()
}

func waitEvent(t *testing.T, d Driver) EventKind {
	t.Helper()
	ch := make(chan EventKind, 1)
	go func() { ch <- d.WaitForEvent() }()
	select {
	case k := <-ch:
		return k
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for driver event")
		return EventNone
	}
}

func TestEventKind_String(t *testing.T) {
	assert.Equal(t, "NONE", EventNone.String())
	assert.Equal(t, "ENGINE_ON", EventEngineOn.String())
	assert.Equal(t, "ENGINE_OFF", EventEngineOff.String())
	assert.Equal(t, "MESSAGE_AVAILABLE", EventMessageAvailable.String())
	assert.Equal(t, "EventKind(9)", EventKind(9).String())

	assert.Equal(t, 1, int(EventEngineOn))
	assert.Equal(t, 2, int(EventEngineOff))
	assert.True(t, EventEngineOff.IsStatus())
	assert.False(t, EventMessageAvailable.IsStatus())
}

func TestTTY_OpenRequiresInit(t *testing.T) {
	d := NewTTY(nil)
	_, path := openPTY(t)

	err := d.Open(Config{Device: path})
	require.ErrorIs(t, err, ErrNotInitialized)
	assert.Equal(t, EventNone, d.WaitForEvent(), "WaitForEvent MUST NOT block before Init")
}

func TestTTY_StatusAndMessages(t *testing.T) {
	master, path := openPTY(t)
	d := NewTTY(nil)
	require.NoError(t, d.Init())
	t.Cleanup(func() { d.Shutdown(); d.Cleanup() })

	require.NoError(t, d.Open(Config{Device: path, BaudRate: 9600}))
	require.Equal(t, EventEngineOn, waitEvent(t, d))

	_, err := master.Write([]byte("hello\nworld\n"))
	require.NoError(t, err)

	require.Equal(t, EventMessageAvailable, waitEvent(t, d))
	msg, err := d.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(msg))

	_, err = d.ReadMessage()
	assert.ErrorIs(t, err, ErrNoMessage, "a message MUST be readable only once")

	require.Equal(t, EventMessageAvailable, waitEvent(t, d))
	msg, err = d.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "world", string(msg))

	require.NoError(t, d.Close())
	require.Equal(t, EventEngineOff, waitEvent(t, d))

	assert.ErrorIs(t, d.Close(), ErrNotOpen)
}

func TestTTY_SkippedReadDropsMessage(t *testing.T) {
	master, path := openPTY(t)
	d := NewTTY(nil)
	require.NoError(t, d.Init())
	t.Cleanup(func() { d.Shutdown(); d.Cleanup() })

	require.NoError(t, d.Open(Config{Device: path}))
	require.Equal(t, EventEngineOn, waitEvent(t, d))

	_, err := master.Write([]byte("first\nsecond\n"))
	require.NoError(t, err)

	require.Equal(t, EventMessageAvailable, waitEvent(t, d))
	require.Equal(t, EventMessageAvailable, waitEvent(t, d))

	msg, err := d.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "second", string(msg))
}

func TestTTY_MessageLengthIsCapped(t *testing.T) {
	master, path := openPTY(t)
	d := NewTTY(&TTYOptions{MaxMessageSize: 8})
	require.NoError(t, d.Init())
	t.Cleanup(func() { d.Shutdown(); d.Cleanup() })

	require.NoError(t, d.Open(Config{Device: path, Delimiter: ";"}))
	require.Equal(t, EventEngineOn, waitEvent(t, d))

	_, err := master.Write([]byte(strings.Repeat("x", 12) + ";"))
	require.NoError(t, err)

	require.Equal(t, EventMessageAvailable, waitEvent(t, d))
	msg, err := d.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("x", 8), string(msg))
}

func TestTTY_Send(t *testing.T) {
	master, path := openPTY(t)
	d := NewTTY(nil)
	require.NoError(t, d.Init())
	t.Cleanup(func() { d.Shutdown(); d.Cleanup() })

	require.ErrorIs(t, d.Send([]byte("early")), ErrNotOpen)

	require.NoError(t, d.Open(Config{Device: path}))
	require.NoError(t, d.Send([]byte("pong\n")))

	buf := make([]byte, 64)
	n, err := master.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "pong\n", string(buf[:n]))
}

func TestTTY_ShutdownWakesWaiter(t *testing.T) {
	d := NewTTY(nil)
	require.NoError(t, d.Init())

	ch := make(chan EventKind, 1)
	go func() { ch <- d.WaitForEvent() }()

	time.Sleep(20 * time.Millisecond)
	d.Shutdown()

	select {
	case k := <-ch:
		assert.Equal(t, EventNone, k)
	case <-time.After(time.Second):
		t.Fatal("Shutdown MUST wake a blocked WaitForEvent")
	}

	_, path := openPTY(t)
	assert.ErrorIs(t, d.Open(Config{Device: path}), ErrShutdown)

	d.Cleanup()
	require.NoError(t, d.Init(), "driver MUST be reusable after Cleanup")
	d.Shutdown()
	d.Cleanup()
}

func TestTTY_OpenMissingDevice(t *testing.T) {
	d := NewTTY(nil)
	require.NoError(t, d.Init())
	t.Cleanup(func() { d.Shutdown(); d.Cleanup() })

	err := d.Open(Config{Device: "/dev/does-not-exist-serialmgr"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/dev/does-not-exist-serialmgr")
}
