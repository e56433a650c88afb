package utils

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// WaitFor blocks for d or until ctx is done, whichever comes first.
func WaitFor(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ErrPanic wraps the value of a recovered panic.
var ErrPanic = errors.New("panic")

// CatchPanic must be deferred directly. It turns a panic in the calling
// goroutine into *err.
func CatchPanic(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("%w: %v", ErrPanic, r)
	}
}
