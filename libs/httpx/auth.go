package httpx

import (
	"context"
	"net/http"
	"strings"

	"github.com/telemedcore/encounter/libs/auth"
)

const (
	ctxKeyClaims ctxKey = iota + 1
)

func ClaimsFromContext(ctx context.Context) *auth.Claims {
	v, _ := ctx.Value(ctxKeyClaims).(*auth.Claims)
	return v
}

// WithBearerAuth verifies the bearer token on every request and stores the
// caller claims in the request context. RS256 tokens are verified against
// the identity provider's JWKS when configured; HS256 otherwise.
func WithBearerAuth(secret string, jwksClient *auth.JWKSClient) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") || len(strings.TrimSpace(authHeader)) <= len("Bearer ") {
				http.Error(w, "missing or invalid Authorization header", http.StatusUnauthorized)
				return
			}

			token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
			var claims *auth.Claims
			var err error

			if jwksClient != nil {
				header, headerErr := auth.ParseHeader(token)
				if headerErr != nil {
					http.Error(w, "invalid token header", http.StatusUnauthorized)
					return
				}
				if header.Alg == "RS256" && header.Kid != "" {
					pub, keyErr := jwksClient.Get(header.Kid)
					if keyErr != nil {
						http.Error(w, "invalid token key", http.StatusUnauthorized)
						return
					}
					claims, err = auth.VerifyRS256(token, pub)
				} else {
					claims, err = auth.ParseAndVerifyHS256(token, secret)
				}
			} else {
				claims, err = auth.ParseAndVerifyHS256(token, secret)
			}
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), ctxKeyClaims, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole rejects the request unless the verified caller holds one of
// the given roles. Must run after WithBearerAuth.
func RequireRole(w http.ResponseWriter, r *http.Request, roles ...string) (*auth.Claims, bool) {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return nil, false
	}
	for _, role := range roles {
		if claims.Role == role {
			return claims, true
		}
	}
	http.Error(w, "forbidden", http.StatusForbidden)
	return nil, false
}
