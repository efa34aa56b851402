package api

import (
	"context"
	"net/http"

	"chatwave/internal/auth"
)

type ctxKey struct{}

func withUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

// UserID returns the authenticated user set by RequireAuth.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// RequireAuth rejects requests without a live token and puts the caller's
// user ID into the request context.
func (a *API) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.auth.GetUserID(auth.TokenFromRequest(r))
		if err != nil {
			writeError(w, r, err)
			return
		}
		next(w, r.WithContext(withUserID(r.Context(), userID)))
	}
}
