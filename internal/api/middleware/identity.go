package middleware

import (
	"net/http"

	"github.com/opencanvas/genstudio-api/internal/api/shared"
)

// UserIDHeader is the header the authenticating gateway sets after
// verifying the caller. This service trusts it; it never faces the
// public internet directly.
const UserIDHeader = "X-User-ID"

// RequireIdentity rejects requests without an attributed caller and puts
// the user ID into the request context for handlers.
func RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(UserIDHeader)
		if userID == "" {
			shared.RespondWithError(w, r, http.StatusUnauthorized, "Caller identity required")
			return
		}

		ctx := shared.SetUserID(r.Context(), userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
