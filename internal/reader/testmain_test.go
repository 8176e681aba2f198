package reader

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain checks for goroutine leaks after all tests complete. Backends
// must fully unwind when their context is canceled.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
