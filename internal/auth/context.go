// ABOUTME: Request context plumbing for the authenticated user id
// ABOUTME: Set by the auth middlewares and read by API handlers

package auth

import "context"

type userKey struct{}

// WithUser returns a context carrying userID.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserFromContext returns the authenticated user id, or "" when there is none.
func UserFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(userKey{}).(string)
	return userID
}
