// Package contextkeys provides centralized context key definitions
//
// IMPORTANT: All context keys used across the application must be defined here.
// This prevents typos, documents dependencies, and makes key usage discoverable.
//
// USAGE PATTERN:
//   import "github.com/orchardworks/cellartrail/pkg/contextkeys"
//   ctx = contextkeys.WithActorID(ctx, actorID)
//   actorID := contextkeys.GetActorID(ctx)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// ActorIDKey contains the authenticated actor's ID string
	// Set by: the application's auth layer before any audited mutation runs
	// Used by: audit recorder (actor attribution), logger
	// Type: string
	ActorIDKey Key = "actor_id"

	// ActorEmailKey contains the authenticated actor's email string
	// Set by: the application's auth layer
	// Used by: audit recorder (retained redundantly so entries survive
	// deletion of the user record)
	// Type: string
	ActorEmailKey Key = "actor_email"

	// RequestIDKey contains request ID string (UUID)
	// Set by: HTTP middleware
	// Used by: Logger, audit entries, distributed tracing
	// Type: string
	RequestIDKey Key = "request_id"

	// IPAddressKey contains the client IP for the current request
	// Set by: HTTP middleware
	// Used by: audit entries (request context)
	// Type: string
	IPAddressKey Key = "ip_address"

	// SessionIDKey contains the session identifier for the current request
	// Set by: HTTP middleware
	// Used by: audit entries (request context)
	// Type: string
	SessionIDKey Key = "session_id"

	// LoggerKey contains *observability.Logger
	// Set by: Observability middleware
	// Used by: Handlers that need structured logging with request context
	// Type: *observability.Logger
	LoggerKey Key = "logger"
)

// Helper functions for type-safe context operations

// WithActorID adds the actor ID to the context
func WithActorID(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, ActorIDKey, actorID)
}

// WithActorEmail adds the actor email to the context
func WithActorEmail(ctx context.Context, email string) context.Context {
	return context.WithValue(ctx, ActorEmailKey, email)
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithIPAddress adds the client IP to the context
func WithIPAddress(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, IPAddressKey, ip)
}

// WithSessionID adds the session ID to the context
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

// WithLogger adds logger to the context
func WithLogger(ctx context.Context, logger interface{}) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// GetActorID retrieves the actor ID from context
func GetActorID(ctx context.Context) string {
	if actorID, ok := ctx.Value(ActorIDKey).(string); ok {
		return actorID
	}
	return ""
}

// GetActorEmail retrieves the actor email from context
func GetActorEmail(ctx context.Context) string {
	if email, ok := ctx.Value(ActorEmailKey).(string); ok {
		return email
	}
	return ""
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// GetIPAddress retrieves the client IP from context
func GetIPAddress(ctx context.Context) string {
	if ip, ok := ctx.Value(IPAddressKey).(string); ok {
		return ip
	}
	return ""
}

// GetSessionID retrieves the session ID from context
func GetSessionID(ctx context.Context) string {
	if sessionID, ok := ctx.Value(SessionIDKey).(string); ok {
		return sessionID
	}
	return ""
}
