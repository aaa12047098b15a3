// Package async provides safe concurrent execution primitives for background tasks.
//
// # Overview
//
// This package handles goroutine lifecycle management with panic recovery, timeout
// enforcement, and context cancellation. The audit recorder uses SafeGo so that
// appending an audit entry never blocks or crashes the business mutation it
// observes.
//
// # Key Functions
//
// SafeGo: Execute function in goroutine with safety features
//
//	async.SafeGo(ctx, 5*time.Second, "audit append", func(ctx context.Context) error {
//		return sink.Write(ctx, entry)
//	})
//
// # Features
//
// Panic Recovery: Captures panics with stack traces
// Timeout Enforcement: Per-task timeouts
// Context Cancellation: Respects context cancellation
//
// # Related Packages
//
//   - pkg/audit: Uses SafeGo for non-blocking appends
package async
