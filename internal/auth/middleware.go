package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Scopes guarding the HTTP surface.
const (
	ScopeConfigWrite      = "configurations:write"
	ScopeObligationsRead  = "obligations:read"
	ScopeObligationsWrite = "obligations:write"
	ScopeAllocationsRead  = "allocations:read"
	ScopeAllocationsWrite = "allocations:write"
	ScopeLedgerWrite      = "ledger:write"
)

type authInfoKey struct{}

// AuthInfo is the verified caller. Actor is recorded on allocations and audit entries.
type AuthInfo struct {
	ClientID string
	Subject  string
	Scopes   map[string]struct{}
}

func (a *AuthInfo) Actor() string {
	if a.Subject != "" {
		return a.Subject
	}
	return a.ClientID
}

func AuthInfoFromContext(ctx context.Context) (*AuthInfo, bool) {
	v := ctx.Value(authInfoKey{})
	ai, ok := v.(*AuthInfo)
	return ai, ok
}

// WithAuthInfo attaches a verified caller to ctx.
func WithAuthInfo(ctx context.Context, ai *AuthInfo) context.Context {
	return context.WithValue(ctx, authInfoKey{}, ai)
}

// ActorFromContext returns the acting identity, or "" when unauthenticated.
func ActorFromContext(ctx context.Context) string {
	if ai, ok := AuthInfoFromContext(ctx); ok {
		return ai.Actor()
	}
	return ""
}

type AccessTokenClaims struct {
	jwt.RegisteredClaims
	ClientID string   `json:"client_id,omitempty"`
	Scopes   []string `json:"scopes,omitempty"`
	Scope    string   `json:"scope,omitempty"`
}

// AllScopes merges the list and space separated forms.
func (c *AccessTokenClaims) AllScopes() []string {
	out := append([]string(nil), c.Scopes...)
	return append(out, strings.Fields(c.Scope)...)
}

type JWTValidator struct {
	KeySet   *KeySet
	Issuer   string
	Audience string
}

func (v *JWTValidator) Validate(tokenString string) (*AccessTokenClaims, error) {
	if v.KeySet == nil {
		return nil, errors.New("missing keyset")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.Issuer))
	}
	if v.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.Audience))
	}

	claims := &AccessTokenClaims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		return v.KeySet.Key(kid)
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to validate token: %w", err)
	}
	if !tok.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" && claims.ClientID == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

func Authenticate(v *JWTValidator, onError func(http.ResponseWriter, *http.Request, int, string)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v == nil {
				onError(w, r, http.StatusUnauthorized, "unauthorized")
				return
			}

			authz := r.Header.Get("Authorization")
			if authz == "" || !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
				onError(w, r, http.StatusUnauthorized, "unauthorized")
				return
			}

			tok := strings.TrimSpace(authz[len("Bearer "):])
			claims, err := v.Validate(tok)
			if err != nil {
				onError(w, r, http.StatusUnauthorized, "unauthorized")
				return
			}

			scopes := map[string]struct{}{}
			for _, s := range claims.AllScopes() {
				scopes[s] = struct{}{}
			}

			ai := &AuthInfo{ClientID: claims.ClientID, Subject: claims.Subject, Scopes: scopes}
			next.ServeHTTP(w, r.WithContext(WithAuthInfo(r.Context(), ai)))
		})
	}
}

func RequireScopes(onError func(http.ResponseWriter, *http.Request, int, string), required ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ai, ok := AuthInfoFromContext(r.Context())
			if !ok {
				onError(w, r, http.StatusUnauthorized, "unauthorized")
				return
			}

			for _, s := range required {
				if _, ok := ai.Scopes[s]; !ok {
					onError(w, r, http.StatusForbidden, "forbidden")
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}
