package errors

import (
	"fmt"
	"runtime/debug"
)

// PanicError represents an error recovered from a panic inside a worker
// or job body
type PanicError struct {
	Value      interface{} // The panic value
	Stacktrace string      // Full stack trace
}

// Error implements the error interface
func (p *PanicError) Error() string {
	return fmt.Sprintf("panic recovered: %v", p.Value)
}

// CapturePanic recovers from a panic and stores it in *errp as a
// PanicError with stack trace. It must be deferred directly:
//
//	defer errors.CapturePanic(&err)
//
// A panic never overwrites an error already set by the function body.
func CapturePanic(errp *error) {
	if r := recover(); r != nil {
		perr := &PanicError{
			Value:      r,
			Stacktrace: string(debug.Stack()),
		}
		if errp != nil && *errp == nil {
			*errp = perr
		}
	}
}

// FormatPanicForLog returns a formatted string suitable for logging
func FormatPanicForLog(panicErr *PanicError) string {
	return fmt.Sprintf("PANIC: %v\n\nStack Trace:\n%s", panicErr.Value, panicErr.Stacktrace)
}
