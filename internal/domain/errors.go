package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy for the protection path. Failures are isolated per symbol;
// none of these abort evaluation of other symbols.
var (
	// ErrStalePrice: the tick price is missing, zero, or older than the
	// staleness bound. Evaluation is skipped, never acted on.
	ErrStalePrice = errors.New("price stale or missing")

	// ErrGenerationChanged: the position mutated between decision and
	// submission (e.g. a manual close preempted the action). The action is
	// aborted and re-evaluated on the next tick.
	ErrGenerationChanged = errors.New("position generation changed")

	// ErrPositionMismatch: the exchange reports the position absent or at an
	// unexpected quantity. Execution aborts without retry and defers to
	// reconciliation rather than guessing.
	ErrPositionMismatch = errors.New("exchange position does not match ledger")

	// ErrActionPending: a prior action exhausted its retries; automation for
	// the symbol is halted until an operator resolves it.
	ErrActionPending = errors.New("symbol has an unresolved pending action")

	// ErrPositionNotFound: the ledger holds no open position for the symbol.
	ErrPositionNotFound = errors.New("position not found")

	// ErrDuplicatePosition: an open-trade event arrived for a symbol that
	// already has an open position.
	ErrDuplicatePosition = errors.New("position already open for symbol")
)

// TransientError wraps exchange failures worth retrying (timeouts, rate
// limits). Anything not wrapped this way is treated as permanent.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient exchange error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ConfigError is returned when the protection configuration violates a load
// time invariant. The process fails closed instead of running with a
// partially valid rule set.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid protection config: %s: %s", e.Field, e.Reason)
}
