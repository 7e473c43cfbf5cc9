package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across packages.
var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrNoPrivileges = errors.New("no privileges")
)

// ConfigError reports a rule or threshold that failed to load. It is
// fatal for that rule only; the surrounding load continues.
type ConfigError struct {
	Item string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error in %s: %v", e.Item, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// TransientEnforcementError wraps a failed enforcement call that may
// succeed on retry. Attempt carries how many tries were already made.
type TransientEnforcementError struct {
	Attempt int
	Err     error
}

func (e *TransientEnforcementError) Error() string {
	return fmt.Sprintf("transient enforcement failure (attempt %d): %v", e.Attempt, e.Err)
}

func (e *TransientEnforcementError) Unwrap() error { return e.Err }

// StateCorruptionError marks durable state that violates an in-memory
// invariant, e.g. two pending challenges for the same key. Callers
// resolve it by discarding and recreating the offending entry; it is
// logged as an anomaly, never silently ignored.
type StateCorruptionError struct {
	Detail string
}

func (e *StateCorruptionError) Error() string {
	return fmt.Sprintf("state corruption: %s", e.Detail)
}

func IsTransient(err error) bool {
	var te *TransientEnforcementError
	return errors.As(err, &te)
}
