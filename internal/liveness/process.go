package liveness

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/mcuadros/go-defaults"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"
	"github.com/srg/serialmgr/internal/groutine"
)

// ProcessOwner is a listener owned by another OS process.
type ProcessOwner struct {
	PID  int32
	Name string // informational only
}

func (o ProcessOwner) OwnerID() string { return "pid:" + strconv.Itoa(int(o.PID)) }

// PidExistsFunc reports whether a process is alive.
type PidExistsFunc func(ctx context.Context, pid int32) (bool, error)

// ProcessWatcherOptions tunes a ProcessWatcher.
type ProcessWatcherOptions struct {
	Logger       *logrus.Logger
	PollInterval time.Duration `default:"1s"`
	PidExists    PidExistsFunc
}

type processWatch struct {
	pid   int32
	fn    func()
	fired atomic.Bool
}

// ProcessWatcher polls watched pids and fires the callbacks of the ones that
// disappeared. A pid that errors on lookup is treated as alive.
type ProcessWatcher struct {
	logger    *logrus.Logger
	interval  time.Duration
	pidExists PidExistsFunc

	watches *hashmap.Map[uint64, *processWatch]
	nextID  atomic.Uint64

	cancel    context.CancelFunc
	done      <-chan struct{}
	closeOnce sync.Once
}

// NewProcessWatcher starts a watcher. Close stops its polling goroutine.
func NewProcessWatcher(opts *ProcessWatcherOptions) *ProcessWatcher {
	var o ProcessWatcherOptions
	if opts != nil {
		o = *opts
	}
	defaults.SetDefaults(&o)

	if o.Logger == nil {
		o.Logger = logrus.New()
		o.Logger.SetOutput(io.Discard)
	}
	if o.PidExists == nil {
		o.PidExists = process.PidExistsWithContext
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &ProcessWatcher{
		logger:    o.Logger,
		interval:  o.PollInterval,
		pidExists: o.PidExists,
		watches:   hashmap.New[uint64, *processWatch](),
		cancel:    cancel,
	}
	w.done = groutine.Start(ctx, "liveness-poller", w.run)
	return w
}

func (w *ProcessWatcher) Watch(owner Owner, onUnreachable func()) (Token, error) {
	o, ok := owner.(ProcessOwner)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedOwner, owner)
	}

	alive, err := w.pidExists(context.Background(), o.PID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", o.OwnerID(), err)
	}
	if !alive {
		return nil, fmt.Errorf("%s: %w", o.OwnerID(), ErrOwnerGone)
	}

	id := w.nextID.Add(1)
	pw := &processWatch{pid: o.PID, fn: onUnreachable}
	w.watches.Set(id, pw)

	return TokenFunc(func() {
		pw.fired.Store(true)
		w.watches.Del(id)
	}), nil
}

// Len returns the number of active watches.
func (w *ProcessWatcher) Len() int {
	return w.watches.Len()
}

// Close stops polling. Pending watches never fire after Close returns.
func (w *ProcessWatcher) Close() {
	w.closeOnce.Do(func() {
		w.cancel()
		<-w.done
	})
}

func (w *ProcessWatcher) run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *ProcessWatcher) poll(ctx context.Context) {
	type gone struct {
		id uint64
		pw *processWatch
	}
	var dead []gone

	w.watches.Range(func(id uint64, pw *processWatch) bool {
		alive, err := w.pidExists(ctx, pw.pid)
		if err != nil {
			w.logger.WithError(err).WithField("pid", pw.pid).Debug("Process lookup failed")
			return true
		}
		if !alive {
			dead = append(dead, gone{id: id, pw: pw})
		}
		return true
	})

	for _, g := range dead {
		if !g.pw.fired.CompareAndSwap(false, true) {
			continue
		}
		w.watches.Del(g.id)
		w.logger.WithField("pid", g.pw.pid).Info("Watched process is gone")
		g.pw.fn()
	}
}
