package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

type contextKey string

const actorKey contextKey = "actor"

// OperatorHeader names the person acting with the operator token. It is
// recorded in the audit log for state-changing calls.
const OperatorHeader = "X-Operator"

func ActorFromContext(ctx context.Context) (string, bool) {
	actor, ok := ctx.Value(actorKey).(string)
	return actor, ok && actor != ""
}

// Operator admits requests carrying token as a bearer token. Browsers cannot
// set headers on a websocket upgrade, so a token query parameter is accepted
// as well. An empty token disables the operator surface.
func Operator(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				http.Error(w, "operator access disabled", http.StatusForbidden)
				return
			}
			presented := r.URL.Query().Get("token")
			if header := r.Header.Get("Authorization"); header != "" {
				parts := strings.SplitN(header, " ", 2)
				if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
					http.Error(w, "invalid authorization header", http.StatusUnauthorized)
					return
				}
				presented = parts[1]
			}
			if presented == "" {
				http.Error(w, "missing authorization header", http.StatusUnauthorized)
				return
			}
			if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			actor := strings.TrimSpace(r.Header.Get(OperatorHeader))
			ctx := context.WithValue(r.Context(), actorKey, actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
