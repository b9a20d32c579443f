// Package registry keeps the set of registered listeners, one per owner, and
// removes a registration when its owner dies, when its delivery fails, or on
// explicit request. Whichever removal path runs first wins; the others no-op.
package registry

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/serialmgr/internal/dispatch"
	"github.com/srg/serialmgr/internal/liveness"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

var (
	ErrInvalidHandle = errors.New("invalid listener handle")
	ErrClosed        = errors.New("registry closed")
)

// Handle is what a caller registers: who owns the listener, the callbacks,
// and optionally the executor the callbacks must run on. Without an executor
// the registry gives the listener a dedicated SerialExecutor.
type Handle struct {
	Owner    liveness.Owner
	Listener dispatch.Listener
	Executor dispatch.Executor
}

// Registration is a live entry: the handle, its liveness watch and its queue.
type Registration struct {
	handle    Handle
	id        string
	token     liveness.Token
	queue     *dispatch.Queue
	ownedExec *dispatch.SerialExecutor
}

func (r *Registration) ID() string             { return r.id }
func (r *Registration) Handle() Handle         { return r.handle }
func (r *Registration) Queue() *dispatch.Queue { return r.queue }

// Options configures a Registry.
type Options struct {
	Logger  *logrus.Logger
	Watcher liveness.Watcher
}

// Registry is safe for concurrent use.
type Registry struct {
	logger  *logrus.Logger
	watcher liveness.Watcher

	mu      sync.Mutex
	entries *orderedmap.OrderedMap[string, *Registration]
	closed  bool
}

// New creates an empty registry. A nil watcher defaults to a Mux that only
// understands context owners.
func New(opts *Options) *Registry {
	var o Options
	if opts != nil {
		o = *opts
	}
	if o.Logger == nil {
		o.Logger = logrus.New()
		o.Logger.SetOutput(io.Discard)
	}
	if o.Watcher == nil {
		o.Watcher = &liveness.Mux{Context: liveness.ContextWatcher{}}
	}

	return &Registry{
		logger:  o.Logger,
		watcher: o.Watcher,
		entries: orderedmap.New[string, *Registration](),
	}
}

// Register adds h. Registering an owner that is already present is a no-op.
// An error means nothing was retained, typically because the owner is
// already gone.
func (r *Registry) Register(h Handle) error {
	if h.Owner == nil || h.Listener == nil {
		return ErrInvalidHandle
	}
	id := h.Owner.OwnerID()
	logger := r.logger.WithField("owner", id)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if _, exists := r.entries.Get(id); exists {
		logger.Debug("Listener already registered")
		return nil
	}

	reg := &Registration{handle: h, id: id}
	exec := h.Executor
	if exec == nil {
		reg.ownedExec = dispatch.NewSerialExecutor(id)
		exec = reg.ownedExec
	}
	reg.queue = dispatch.NewQueue(h.Listener, exec, &dispatch.QueueOptions{
		Logger:    r.logger,
		Name:      id,
		OnFailure: func(err error) { r.remove(reg, err) },
	})

	// The watch fires on its own goroutine and blocks on r.mu until the entry
	// is in place.
	token, err := r.watcher.Watch(h.Owner, func() {
		r.remove(reg, fmt.Errorf("%w: owner %s died", dispatch.ErrListenerUnreachable, id))
	})
	if err != nil {
		reg.queue.Close()
		if reg.ownedExec != nil {
			reg.ownedExec.Stop()
		}
		logger.WithError(err).Warn("Failed to watch listener owner")
		return fmt.Errorf("register %s: %w", id, err)
	}
	reg.token = token

	r.entries.Set(id, reg)
	logger.WithField("listeners", r.entries.Len()).Info("Listener registered")
	return nil
}

// Unregister removes the registration of h's owner. Absent owners are ignored.
func (r *Registry) Unregister(h Handle) {
	if h.Owner == nil {
		return
	}
	id := h.Owner.OwnerID()

	r.mu.Lock()
	reg, ok := r.entries.Get(id)
	r.mu.Unlock()

	if !ok {
		r.logger.WithField("owner", id).Debug("Unregister of unknown listener ignored")
		return
	}
	r.remove(reg, nil)
}

// remove deletes reg if it is still the current entry for its owner.
func (r *Registry) remove(reg *Registration, reason error) {
	r.mu.Lock()
	cur, ok := r.entries.Get(reg.id)
	if !ok || cur != reg {
		r.mu.Unlock()
		return
	}
	r.entries.Delete(reg.id)
	left := r.entries.Len()
	r.mu.Unlock()

	reg.token.Cancel()
	reg.queue.Close()
	if reg.ownedExec != nil {
		reg.ownedExec.Stop()
	}

	logger := r.logger.WithFields(logrus.Fields{"owner": reg.id, "listeners": left})
	if reason != nil {
		logger.WithError(reason).Warn("Listener removed")
	} else {
		logger.Info("Listener unregistered")
	}
}

// ForEach calls fn for a snapshot of the registrations, in registration
// order. fn runs without the registry lock held.
func (r *Registry) ForEach(fn func(reg *Registration)) {
	r.mu.Lock()
	snapshot := make([]*Registration, 0, r.entries.Len())
	for pair := r.entries.Oldest(); pair != nil; pair = pair.Next() {
		snapshot = append(snapshot, pair.Value)
	}
	r.mu.Unlock()

	for _, reg := range snapshot {
		fn(reg)
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries.Len()
}

// Close removes every registration and waits for the executors the registry
// created to exit. Further Register calls fail with ErrClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	var all []*Registration
	for pair := r.entries.Oldest(); pair != nil; pair = pair.Next() {
		all = append(all, pair.Value)
	}
	r.mu.Unlock()

	for _, reg := range all {
		r.remove(reg, nil)
		if reg.ownedExec != nil {
			reg.ownedExec.Close()
		}
	}
}
