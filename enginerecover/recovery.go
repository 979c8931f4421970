// Package enginerecover provides panic-recovery helpers used everywhere the
// channel runtime executes caller-supplied or otherwise fallible logic on a
// goroutine it owns: pipeline stages, script evaluation, destination
// workers.
package enginerecover

import (
	"fmt"
	"runtime/debug"

	"github.com/jeeves-cluster-organization/channelengine/celog"
)

// SafeExecute runs fn with panic recovery. A panic is logged and converted
// into an error rather than crashing the process; the pipeline runs each
// destination dispatch under it.
func SafeExecute(logger celog.Logger, operation string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			if logger != nil {
				logger.Error("panic_recovered", "operation", operation, "panic", r, "stack", stack)
			}
			err = fmt.Errorf("panic in %s: %v", operation, r)
		}
	}()
	return fn()
}

// SafeExecuteWithResult is SafeExecute for functions that also return a
// value.
func SafeExecuteWithResult[T any](logger celog.Logger, operation string, fn func() (T, error)) (result T, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			if logger != nil {
				logger.Error("panic_recovered", "operation", operation, "panic", r, "stack", stack)
			}
			err = fmt.Errorf("panic in %s: %v", operation, r)
		}
	}()
	return fn()
}

// SafeGo runs fn on a new goroutine with panic recovery; onPanic, if
// non-nil, is invoked with the recovered value so the caller can mark
// whatever unit of work the goroutine represented as failed.
func SafeGo(logger celog.Logger, operation string, fn func(), onPanic func(recovered any)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				if logger != nil {
					logger.Error("goroutine_panic_recovered", "operation", operation, "panic", r, "stack", stack)
				}
				if onPanic != nil {
					onPanic(r)
				}
			}
		}()
		fn()
	}()
}
