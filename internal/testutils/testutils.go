package testutils

import (
	"testing"
	"time"
)

// DefaultTimeout is how long RunAndWait waits when no timeout is given
const DefaultTimeout = time.Second * 2

// RunAndWait runs the provided function in a goroutine and waits until it returns or until the timeout hits.
// It's assumed that there is some mechanism by which fn returns that's outside the scope of this function,
// usually a canceled context. If the timeout hits, the test fails since the goroutine should've stopped.
func RunAndWait(t testing.TB, fn func(), timeout time.Duration) {
	t.Helper()
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ch := make(chan struct{})
	go func() {
		defer close(ch)
		fn()
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-timer.C:
		t.Fatalf("goroutine never returned after %s", timeout)
	case <-ch:
	}
}
