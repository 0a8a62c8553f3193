package supervisor

import "errors"

// Failure taxonomy for terminal reporting. Worker-level classification
// lives in internal/worker; checkpoint integrity failures are
// checkpoint.ErrStorage. Result.Err wraps one of these so callers can
// branch on the class without parsing reasons.
var (
	// ErrBudgetExhausted marks a planned stop: the budget manager denied
	// the next iteration.
	ErrBudgetExhausted = errors.New("budget exhausted")

	// ErrTooManyFailures marks a recoverable-failure streak hitting the
	// consecutive cap.
	ErrTooManyFailures = errors.New("too many consecutive recoverable failures")

	// ErrFatalWorker marks a worker failure that must not be retried.
	ErrFatalWorker = errors.New("fatal worker failure")

	// ErrInterrupted marks a graceful signal-driven stop.
	ErrInterrupted = errors.New("interrupted")
)
