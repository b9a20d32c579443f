package session

import "fmt"

// StateError reports an operation attempted in a state that does not allow it.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Op == "" {
		return fmt.Sprintf("session %s", e.State)
	}
	return fmt.Sprintf("%s: session %s", e.Op, e.State)
}

// Is matches any StateError. Every StateError the session returns means the
// operation needed an enabled session.
func (e *StateError) Is(target error) bool {
	if e == nil {
		return false
	}
	_, ok := target.(*StateError)
	return ok
}

// ErrNotEnabled is the sentinel for errors.Is checks against StateError.
var ErrNotEnabled = &StateError{State: StateDisabled}

// ConfigurationError is a driver init or open failure. The session is left
// disabled; retrying is up to the caller.
type ConfigurationError struct {
	Op  string
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("device %s failed: %v", e.Op, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }
