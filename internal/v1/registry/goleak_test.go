package registry

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain fails the package if any test leaks a goroutine. The router and
// registries spin nothing up themselves, so anything left running points at
// an unclosed subscription or Redis client in a test.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
