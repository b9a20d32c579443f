// Package liveness detects that the owner of a listener has gone away without
// that owner's cooperation.
//
// An Owner is whatever execution context a listener lives in: an in-process
// component bounded by a context, or another OS process. A Watcher installs a
// one-shot callback that fires once the owner is unreachable; cancelling the
// returned Token stops a callback that has not started yet.
package liveness

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrOwnerGone is returned by Watch when the owner is already unreachable.
	ErrOwnerGone = errors.New("owner is gone")
	// ErrUnsupportedOwner is returned when a watcher cannot observe an owner type.
	ErrUnsupportedOwner = errors.New("unsupported owner")
)

// Owner identifies the execution context that owns a listener. Two owners with
// the same OwnerID are the same owner.
type Owner interface {
	OwnerID() string
}

// Token cancels a watch. Cancel is idempotent.
type Token interface {
	Cancel()
}

// Watcher subscribes to death notifications.
type Watcher interface {
	Watch(owner Owner, onUnreachable func()) (Token, error)
}

// TokenFunc adapts a function to Token.
type TokenFunc func()

func (f TokenFunc) Cancel() { f() }

// ContextOwner is an in-process owner that is alive until its context is done.
type ContextOwner struct {
	ID  string
	Ctx context.Context
}

// NewContextOwner returns an owner whose lifetime is bounded by ctx.
func NewContextOwner(ctx context.Context, id string) ContextOwner {
	return ContextOwner{ID: id, Ctx: ctx}
}

func (o ContextOwner) OwnerID() string { return "ctx:" + o.ID }

// ContextWatcher fires when a ContextOwner's context is done.
type ContextWatcher struct{}

func (ContextWatcher) Watch(owner Owner, onUnreachable func()) (Token, error) {
	o, ok := owner.(ContextOwner)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedOwner, owner)
	}
	if o.Ctx == nil {
		return nil, fmt.Errorf("%s: nil context: %w", o.OwnerID(), ErrOwnerGone)
	}
	if err := o.Ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", o.OwnerID(), ErrOwnerGone)
	}

	stop := context.AfterFunc(o.Ctx, onUnreachable)
	return TokenFunc(func() { stop() }), nil
}

// Mux routes each owner to the watcher for its kind.
type Mux struct {
	Context Watcher
	Process Watcher
}

func (m *Mux) Watch(owner Owner, onUnreachable func()) (Token, error) {
	var w Watcher
	switch owner.(type) {
	case ContextOwner:
		w = m.Context
	case ProcessOwner:
		w = m.Process
	}
	if w == nil {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedOwner, owner)
	}
	return w.Watch(owner, onUnreachable)
}
