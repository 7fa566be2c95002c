package core

import "context"

type userKey struct{}

// ContextWithUser attaches the calling user to ctx.
func ContextWithUser(ctx context.Context, user User) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

// UserFromContext returns the user attached by ContextWithUser.
func UserFromContext(ctx context.Context) (User, bool) {
	user, ok := ctx.Value(userKey{}).(User)
	return user, ok
}
