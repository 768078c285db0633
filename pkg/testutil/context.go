package testutil

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"testing"
	"time"
)

// GetTestContext returns a context that expires at the earlier of the test deadline and testTimeout.
// TEST_CONTEXT_TIMEOUT (minutes) overrides both, which is handy when stepping through tests in a debugger.
func GetTestContext(t *testing.T, testTimeout time.Duration) (context.Context, context.CancelFunc) {
	timeoutStr, found := os.LookupEnv("TEST_CONTEXT_TIMEOUT")
	if found {
		timeout, err := strconv.ParseUint(timeoutStr, 10, 16)
		if err != nil {
			panic(fmt.Sprintf("Context timeout value '%s' is invalid: %s", timeoutStr, err.Error()))
		}
		return context.WithTimeout(context.Background(), time.Duration(timeout)*time.Minute)
	}

	deadline, haveDeadline := t.Deadline()

	switch {
	case !haveDeadline && testTimeout == 0:
		return context.WithCancel(context.Background())

	case haveDeadline && testTimeout == 0:
		return context.WithDeadline(context.Background(), deadline)

	case !haveDeadline:
		return context.WithTimeout(context.Background(), testTimeout)

	default:
		// Take shorter of the two deadlines
		testDeadline := time.Now().Add(testTimeout)
		if testDeadline.Before(deadline) {
			deadline = testDeadline
		}
		return context.WithDeadline(context.Background(), deadline)
	}
}

// WaitFor polls cond every 10ms until it returns true or ctx is done.
func WaitFor(ctx context.Context, cond func() bool) bool {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if cond() {
			return true
		}
		select {
		case <-ctx.Done():
			return cond()
		case <-ticker.C:
		}
	}
}
