package app

import (
	"log/slog"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
)

// ODYSSEY_TEST_MODE keeps the binaries from dialing Postgres and Redis when a
// test links their package.
const testModeEnv = "ODYSSEY_TEST_MODE"

var (
	testMode     atomic.Bool
	testModeOnce sync.Once
)

func loadTestMode() {
	on, _ := strconv.ParseBool(os.Getenv(testModeEnv))
	testMode.Store(on)
}

// InTestMode reports whether the binaries should skip their side effects.
func InTestMode() bool {
	testModeOnce.Do(loadTestMode)
	return testMode.Load()
}

// RefreshTestMode re-reads the environment.
func RefreshTestMode() {
	testModeOnce.Do(func() {})
	loadTestMode()
}

// SkipStartup reports whether component must not start and logs the skip.
func SkipStartup(logger *slog.Logger, component string) bool {
	if !InTestMode() {
		return false
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("test mode detected, skipping startup", slog.String("component", component))
	return true
}
