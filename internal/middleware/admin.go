package middleware

import (
	"net/http"
)

// RequireActor guards state-changing operator routes: the caller must name
// themselves in the X-Operator header so the change can be audited.
func RequireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := ActorFromContext(r.Context()); !ok {
			http.Error(w, "operator name required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
