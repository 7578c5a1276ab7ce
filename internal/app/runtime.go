package app

import (
	"os"
	"sync"
)

const testModeEnv = "LIQUIDA_TEST_MODE"

var inTestMode = sync.OnceValue(func() bool {
	return os.Getenv(testModeEnv) == "1"
})

// InTestMode reports whether the process should skip runtime side effects.
// Set LIQUIDA_TEST_MODE=1 before startup; the flag is read once.
func InTestMode() bool {
	return inTestMode()
}
