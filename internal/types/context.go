package types

import "context"

// ctxKey is an unexported type so context keys defined here never collide
// with keys from other packages.
type ctxKey int

const (
	ctxKeyRequestID ctxKey = iota
	ctxKeyAccountID
)

// WithRequestID returns a context carrying the request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

// GetRequestID returns the request ID from the context, or "" if absent.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// WithAccountID returns a context carrying the authenticated account ID.
func WithAccountID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyAccountID, id)
}

// GetAccountID returns the authenticated account ID. The second return is
// false when the request is unauthenticated.
func GetAccountID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKeyAccountID).(string)
	return id, ok && id != ""
}
