package async

import (
	"context"
	"log"
	"runtime/debug"
	"time"
)

// ErrorHandler receives errors from background tasks. The default handler
// writes to the standard logger; callers with structured logging should
// install their own via SetErrorHandler.
type ErrorHandler func(taskName string, err error)

var errorHandler ErrorHandler = func(taskName string, err error) {
	log.Printf("[SafeGo] Error in %s: %v", taskName, err)
}

// SetErrorHandler installs a process-wide handler for background task errors.
// Not safe to call concurrently with running tasks; install once at startup.
func SetErrorHandler(h ErrorHandler) {
	if h != nil {
		errorHandler = h
	}
}

// SafeGo executes a function in a goroutine with:
// - Context cancellation support
// - Panic recovery
// - Timeout enforcement
// - Error reporting through the installed ErrorHandler
//
// Use this instead of bare `go func()` to prevent goroutine leaks and crashes.
//
// Example:
//
//	SafeGo(ctx, 5*time.Second, "audit append", func(ctx context.Context) error {
//	    return sink.Write(ctx, entry)
//	})
func SafeGo(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				log.Printf("[SafeGo] PANIC in %s: %v\nStack trace:\n%s",
					taskName, r, string(debug.Stack()))
			}
		}()

		if err := fn(ctx); err != nil {
			errorHandler(taskName, err)
		}
	}()
}

// SafeGoDetached is like SafeGo but detaches from the parent context's
// cancellation while keeping its values. Used when the background task must
// outlive the request that spawned it (e.g. an audit append that should
// complete even though the HTTP response has already been written).
func SafeGoDetached(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) {
	SafeGo(context.WithoutCancel(parentCtx), timeout, taskName, fn)
}
