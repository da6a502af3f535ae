// Package requestcontext provides transport-independent context accessors for
// request-scoped values.
//
// Middleware (or any caller of the ledger) sets these values; the ledger reads
// them to fill actor and correlation fields a draft leaves empty.
//
// Usage in callers (set values):
//
//	ctx = requestcontext.WithUserID(ctx, "alice")
//	ctx = requestcontext.WithRequestID(ctx, requestID)
//
// Usage in services (read values):
//
//	userID := requestcontext.UserID(ctx)
//	requestID := requestcontext.RequestID(ctx)
package requestcontext

import "context"

// Context key types (unexported for encapsulation).
type (
	userIDKey        struct{}
	walletAddressKey struct{}
	sessionIDKey     struct{}
	clientIPKey      struct{}
	userAgentKey     struct{}
	requestIDKey     struct{}
)

// Exported context keys for direct use in tests that need context.WithValue.
var (
	ContextKeyUserID        = userIDKey{}
	ContextKeyWalletAddress = walletAddressKey{}
	ContextKeySessionID     = sessionIDKey{}
	ContextKeyClientIP      = clientIPKey{}
	ContextKeyUserAgent     = userAgentKey{}
	ContextKeyRequestID     = requestIDKey{}
)

func value(ctx context.Context, key any) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// -----------------------------------------------------------------------------
// Actor context (user, wallet, session)
// -----------------------------------------------------------------------------

// UserID retrieves the authenticated user ID from the context.
func UserID(ctx context.Context) string {
	return value(ctx, ContextKeyUserID)
}

// WithUserID injects a user ID into the context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ContextKeyUserID, userID)
}

// WalletAddress retrieves the connected wallet address from the context.
func WalletAddress(ctx context.Context) string {
	return value(ctx, ContextKeyWalletAddress)
}

// WithWalletAddress injects a wallet address into the context.
func WithWalletAddress(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, ContextKeyWalletAddress, addr)
}

// SessionID retrieves the session ID from the context.
func SessionID(ctx context.Context) string {
	return value(ctx, ContextKeySessionID)
}

// WithSessionID injects a session ID into the context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, ContextKeySessionID, sessionID)
}

// -----------------------------------------------------------------------------
// Client metadata (IP, User-Agent)
// -----------------------------------------------------------------------------

// ClientIP retrieves the client IP address from the context.
func ClientIP(ctx context.Context) string {
	return value(ctx, ContextKeyClientIP)
}

// UserAgent retrieves the User-Agent from the context.
func UserAgent(ctx context.Context) string {
	return value(ctx, ContextKeyUserAgent)
}

// WithClientMetadata injects client IP and User-Agent into a context.
func WithClientMetadata(ctx context.Context, clientIP, userAgent string) context.Context {
	ctx = context.WithValue(ctx, ContextKeyClientIP, clientIP)
	ctx = context.WithValue(ctx, ContextKeyUserAgent, userAgent)
	return ctx
}

// -----------------------------------------------------------------------------
// Request metadata
// -----------------------------------------------------------------------------

// RequestID retrieves the request ID from the context.
func RequestID(ctx context.Context) string {
	return value(ctx, ContextKeyRequestID)
}

// WithRequestID injects a request ID into the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}
