package testutils

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/srg/serialmgr/internal/liveness"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
	Output *SyncBuffer
}

// NewTestHelper creates a test helper whose debug-level log output is captured
// in Output.
func NewTestHelper(t *testing.T) *TestHelper {
	out := &SyncBuffer{}
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	logger.SetOutput(out)
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true, DisableColors: true})
	t.Cleanup(func() {
		if t.Failed() {
			t.Logf("captured log:\n%s", out.String())
		}
	})
	return &TestHelper{T: t, Logger: logger, Output: out}
}

// Owner returns an in-process owner that dies when the test ends or when the
// returned cancel func is called.
func (h *TestHelper) Owner(id string) (liveness.ContextOwner, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	h.T.Cleanup(cancel)
	return liveness.NewContextOwner(ctx, id), cancel
}

// SyncBuffer is a bytes.Buffer safe for concurrent writers.
type SyncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *SyncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *SyncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *SyncBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
}
