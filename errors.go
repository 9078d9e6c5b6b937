package cells

import (
	"fmt"

	"github.com/hashicorp/errwrap"
)

// Sentinel errors named directly after spec.md §7's error kinds. Callers
// should compare with errors.Is, never by message.
var (
	// ErrAlreadyFinal is returned by PutNext/PutFinal when the cell is
	// already final and the incoming value would change the finalized
	// result.
	ErrAlreadyFinal = fmt.Errorf("cells: cell is already final")

	// ErrNotMonotonic is returned when an Updater rejects an incoming
	// value as incompatible with the lattice's monotonicity contract.
	ErrNotMonotonic = fmt.Errorf("cells: update is not monotonic")

	// ErrShutdownInProgress is returned by task submission once the pool
	// has begun an orderly shutdown.
	ErrShutdownInProgress = fmt.Errorf("cells: pool is shutting down")
)

// alreadyFinalError decorates ErrAlreadyFinal with the cell and value
// that triggered it, the way backend_local.go wraps state errors with
// errwrap.Wrapf.
func alreadyFinalError(key interface{}, final, incoming interface{}) error {
	return errwrap.Wrapf(
		fmt.Sprintf("cell key=%v final=%v incoming=%v: {{err}}", key, final, incoming),
		ErrAlreadyFinal,
	)
}

// notMonotonicError decorates ErrNotMonotonic with the rejected values.
func notMonotonicError(cur, incoming interface{}, cause error) error {
	msg := fmt.Sprintf("update(%v, %v) rejected", cur, incoming)
	if cause != nil {
		msg += ": " + cause.Error()
	}
	return errwrap.Wrapf(msg+": {{err}}", ErrNotMonotonic)
}

// CallbackFailure wraps a recovered panic from a user init function or
// callback. It is never returned synchronously to a producer; it only
// ever reaches the pool's configured unhandled-exception handler, per
// spec.md §7's propagation policy.
type CallbackFailure struct {
	// Key identifies which cell's callback/init panicked, for
	// diagnostics.
	Key interface{}
	// Panic is the recovered value passed to panic().
	Panic interface{}
	// Stack is the captured stack trace at the point of recovery.
	Stack []byte
}

func (f *CallbackFailure) Error() string {
	return fmt.Sprintf("cells: callback failure for key=%v: %v", f.Key, f.Panic)
}
