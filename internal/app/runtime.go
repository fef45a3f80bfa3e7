package app

import (
	"os"
	"strconv"
	"sync"
)

const testModeEnv = "BUYPLANS_TEST_MODE"

var testMode = sync.OnceValue(func() bool {
	return parseTestMode(os.Getenv(testModeEnv))
})

// parseTestMode accepts the strconv boolean spellings; anything else is off.
func parseTestMode(raw string) bool {
	on, err := strconv.ParseBool(raw)
	return err == nil && on
}

// InTestMode reports whether the buyplans and worker binaries should exit
// before dialing Postgres and Redis. The flag is read once per process.
func InTestMode() bool {
	return testMode()
}
