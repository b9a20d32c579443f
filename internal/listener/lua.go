package listener

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aarzilli/golua/lua"
	"github.com/srg/serialmgr/internal/driver"
)

// Lua script hooks.
const (
	StatusHook  = "on_status"
	MessageHook = "on_message"
)

var ErrNoHooks = errors.New("script defines neither " + StatusHook + " nor " + MessageHook)

// Lua runs a script's on_status(code, name) and on_message(payload) functions
// for every event. An error raised by the script removes the listener.
// print() output goes to the writer passed to NewLua.
type Lua struct {
	mu    sync.Mutex
	state *lua.State
	out   io.Writer
}

// NewLua loads script into a fresh Lua state.
func NewLua(script string, out io.Writer) (*Lua, error) {
	if out == nil {
		out = io.Discard
	}
	l := &Lua{state: lua.NewState(), out: out}
	l.state.OpenLibs()
	l.registerPrint()

	if err := l.state.DoString(script); err != nil {
		l.state.Close()
		return nil, fmt.Errorf("load script: %w", err)
	}
	if !l.hasFunction(StatusHook) && !l.hasFunction(MessageHook) {
		l.state.Close()
		return nil, ErrNoHooks
	}
	return l, nil
}

func (l *Lua) registerPrint() {
	l.state.PushGoFunction(func(L *lua.State) int {
		top := L.GetTop()
		parts := make([]string, 0, top)
		for i := 1; i <= top; i++ {
			switch {
			case L.IsNil(i):
				parts = append(parts, "nil")
			case L.IsBoolean(i):
				parts = append(parts, fmt.Sprintf("%t", L.ToBoolean(i)))
			case L.IsString(i) || L.IsNumber(i):
				parts = append(parts, L.ToString(i))
			default:
				parts = append(parts, L.Typename(int(L.Type(i))))
			}
		}
		_, _ = fmt.Fprintln(l.out, strings.Join(parts, "\t"))
		return 0
	})
	l.state.SetGlobal("print")
}

func (l *Lua) hasFunction(name string) bool {
	l.state.GetGlobal(name)
	defer l.state.Pop(1)
	return l.state.IsFunction(-1)
}

func (l *Lua) OnStatusChanged(code driver.EventKind) error {
	return l.call(StatusHook, func(L *lua.State) int {
		L.PushInteger(int64(code))
		L.PushString(code.String())
		return 2
	})
}

func (l *Lua) OnMessageReceived(payload []byte) error {
	return l.call(MessageHook, func(L *lua.State) int {
		L.PushString(string(payload))
		return 1
	})
}

// call invokes a hook if the script defines it.
func (l *Lua) call(hook string, pushArgs func(L *lua.State) int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == nil {
		return errors.New("lua listener closed")
	}

	L := l.state
	L.GetGlobal(hook)
	if !L.IsFunction(-1) {
		L.Pop(1)
		return nil
	}
	nargs := pushArgs(L)
	if err := L.Call(nargs, 0); err != nil {
		return fmt.Errorf("%s: %w", hook, err)
	}
	return nil
}

// Close releases the Lua state.
func (l *Lua) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != nil {
		l.state.Close()
		l.state = nil
	}
}
