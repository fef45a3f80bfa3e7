package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		_ = os.Setenv("BUYPLANS_TEST_MODE", "1")
		if os.Getenv("PUBLIC_BASE_URL") == "" {
			_ = os.Setenv("PUBLIC_BASE_URL", "http://buyplans.test")
		}
	})
}

func init() {
	ensureTestMode()
}

func TestMain(m *stdtesting.M) {
	ensureTestMode()
	os.Exit(m.Run())
}
