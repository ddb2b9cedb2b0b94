// Package testing switches the binaries into test mode when imported by a
// test package, so no process under `go test` dials Postgres or Redis.
package testing

import (
	"os"
	"sync"
)

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		_ = os.Setenv("STOCKLEDGER_TEST_MODE", "1")
		if os.Getenv("PG_DSN") == "" {
			_ = os.Setenv("PG_DSN", "postgres://127.0.0.1:0/stockledger_test")
		}
	})
}

func init() {
	ensureTestMode()
}
