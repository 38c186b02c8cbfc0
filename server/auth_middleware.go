package server

import (
	"context"
	"net/http"
	"strings"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const (
	// ContextKeyClaims stores the verified token claims
	ContextKeyClaims ContextKey = "claims"
)

// RequireAuth validates the Bearer access token on API routes and injects
// the verified claims into the request context.
func (s *Server) RequireAuth() func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			claims, ok := s.verifyRequest(w, r)
			if !ok {
				return
			}
			next(w, r.WithContext(withClaims(r.Context(), claims)))
		}
	}
}

// OptionalAuth verifies a bearer token when one is presented but lets the
// request through without claims when the header is absent. A presented
// token that fails verification is still rejected.
func (s *Server) OptionalAuth() func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") == "" {
				next(w, r)
				return
			}
			claims, ok := s.verifyRequest(w, r)
			if !ok {
				return
			}
			next(w, r.WithContext(withClaims(r.Context(), claims)))
		}
	}
}

func (s *Server) verifyRequest(w http.ResponseWriter, r *http.Request) (*Claims, bool) {
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing or malformed Authorization header")
		return nil, false
	}
	if s.verifier == nil {
		writeError(w, http.StatusUnauthorized, "token verification not configured")
		return nil, false
	}

	claims, err := s.verifier.Verify(r.Context(), token)
	if err != nil {
		s.log.Debug().Err(err).Str("path", r.URL.Path).Msg("bearer token rejected")
		writeError(w, http.StatusUnauthorized, "invalid token")
		return nil, false
	}
	return claims, true
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func withClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, ContextKeyClaims, claims)
}

// claimsFromContext returns nil when the request was not authenticated.
func claimsFromContext(ctx context.Context) *Claims {
	claims, _ := ctx.Value(ContextKeyClaims).(*Claims)
	return claims
}
