package goroutines

import (
	"log"
	"runtime/debug"
)

// SafeGo runs fn on a new goroutine and writes any panic (with stack) to the
// logger before re-panicking. The terminal UI owns stdout/stderr while the app
// runs, so a bare panic would otherwise be lost.
func SafeGo(logger *log.Logger, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Printf("PANIC: %v\n%s", r, debug.Stack())
				panic(r)
			}
		}()
		fn()
	}()
}
