package testutil

import (
	"context"
	"testing"
	"time"
)

// Wait durations for test assertions. Use the shortest one that is reliable
// for the operation under test; CI machines can be slow.
const (
	WaitShort  = 10 * time.Second
	WaitMedium = 15 * time.Second
	WaitLong   = 25 * time.Second
)

// Context returns a context that is canceled when the test finishes or the
// timeout elapses, whichever comes first.
func Context(t testing.TB, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}
