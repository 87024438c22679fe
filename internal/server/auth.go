package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// AuthConfig controls how the API resolves the acting identity.
type AuthConfig struct {
	// JWTSecret enables bearer-token auth when non-empty. The token's
	// subject claim becomes the actor id.
	JWTSecret string
	// DefaultActor is used when no credential is presented. Empty means
	// anonymous requests carry no identity and approval decisions fail.
	DefaultActor string
}

type principal struct {
	ActorID string
}

type principalKey struct{}

// newAuthMiddleware resolves the actor from a bearer JWT or the X-Actor-Id
// header and stashes it on the request context. It never rejects requests
// itself; operations that need an identity check for one.
func newAuthMiddleware(cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := principal{ActorID: cfg.DefaultActor}
			if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") && cfg.JWTSecret != "" {
				raw := strings.TrimPrefix(header, "Bearer ")
				token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
					return []byte(cfg.JWTSecret), nil
				}, jwt.WithValidMethods([]string{"HS256"}))
				if err == nil && token.Valid {
					if sub, err := token.Claims.GetSubject(); err == nil && sub != "" {
						p.ActorID = sub
					}
				}
			}
			if id := r.Header.Get("X-Actor-Id"); id != "" {
				p.ActorID = id
			}
			ctx := context.WithValue(r.Context(), principalKey{}, p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func actorFromContext(ctx context.Context) string {
	if p, ok := ctx.Value(principalKey{}).(principal); ok {
		return p.ActorID
	}
	return ""
}

// IssueToken mints an HS256 token for an actor id, for dev and test use.
func IssueToken(secret, actorID string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": actorID})
	return token.SignedString([]byte(secret))
}
