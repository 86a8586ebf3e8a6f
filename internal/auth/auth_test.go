package auth

import (
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func claimsFor(sub, issuer string, ttl time.Duration, scopes ...string) AccessTokenClaims {
	now := time.Now()
	return AccessTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   sub,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Scopes: scopes,
	}
}

func TestValidate(t *testing.T) {
	ks, err := NewKeySet()
	require.NoError(t, err)
	other, err := NewKeySet()
	require.NoError(t, err)
	v := &JWTValidator{KeySet: ks, Issuer: "zakaah-idp"}

	good, err := ks.Sign(claimsFor("alice", "zakaah-idp", time.Minute, ScopeAllocationsWrite))
	require.NoError(t, err)
	claims, err := v.Validate(good)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, []string{ScopeAllocationsWrite}, claims.AllScopes())

	tests := []struct {
		name  string
		token func() string
	}{
		{"expired", func() string {
			s, _ := ks.Sign(claimsFor("alice", "zakaah-idp", -time.Minute))
			return s
		}},
		{"wrong issuer", func() string {
			s, _ := ks.Sign(claimsFor("alice", "elsewhere", time.Minute))
			return s
		}},
		{"foreign key", func() string {
			s, _ := other.Sign(claimsFor("alice", "zakaah-idp", time.Minute))
			return s
		}},
		{"no subject", func() string {
			s, _ := ks.Sign(claimsFor("", "zakaah-idp", time.Minute))
			return s
		}},
		{"hs256", func() string {
			s, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claimsFor("alice", "zakaah-idp", time.Minute)).SignedString([]byte("secret"))
			return s
		}},
		{"garbage", func() string { return "not-a-token" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate(tt.token())
			assert.Error(t, err)
		})
	}
}

func TestSpaceSeparatedScopeClaim(t *testing.T) {
	c := AccessTokenClaims{Scopes: []string{"a"}, Scope: "b c"}
	assert.Equal(t, []string{"a", "b", "c"}, c.AllScopes())
}

func TestJWKSRoundTrip(t *testing.T) {
	ks, err := NewKeySet()
	require.NoError(t, err)

	doc, err := ks.JWKS()
	require.NoError(t, err)
	raw, err := json.Marshal(doc)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "jwks.json")
	require.NoError(t, os.WriteFile(path, raw, 0o600))
	loaded, err := LoadJWKS(path)
	require.NoError(t, err)

	pub, err := loaded.Key(ks.KeyID())
	require.NoError(t, err)
	assert.True(t, pub.Equal(&ks.PrivateKey().PublicKey))

	_, err = loaded.Key("other")
	assert.Error(t, err)

	_, err = ParseJWKS([]byte(`{"keys":[{"kty":"EC","kid":"x"}]}`))
	assert.Error(t, err)
}

func TestLoadPublicKeyPEM(t *testing.T) {
	ks, err := NewKeySet()
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&ks.PrivateKey().PublicKey)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "jwt.pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o600))

	loaded, err := LoadPublicKeyPEM(path)
	require.NoError(t, err)

	// tokens carry a kid the PEM set does not know; a single key still verifies
	pub, err := loaded.Key(ks.KeyID())
	require.NoError(t, err)
	assert.True(t, pub.Equal(&ks.PrivateKey().PublicKey))

	token, err := ks.Sign(claimsFor("alice", "zakaah-idp", time.Minute))
	require.NoError(t, err)
	_, err = (&JWTValidator{KeySet: loaded, Issuer: "zakaah-idp"}).Validate(token)
	assert.NoError(t, err)

	_, err = LoadPublicKeyPEM(filepath.Join(t.TempDir(), "missing.pem"))
	assert.Error(t, err)
}

func TestAuthenticateAndRequireScopes(t *testing.T) {
	ks, err := NewKeySet()
	require.NoError(t, err)
	v := &JWTValidator{KeySet: ks}

	onError := func(w http.ResponseWriter, r *http.Request, status int, code string) {
		w.WriteHeader(status)
	}
	var actor string
	h := Authenticate(v, onError)(RequireScopes(onError, ScopeAllocationsWrite)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor = ActorFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})))

	call := func(token string) int {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusUnauthorized, call(""))

	readOnly, err := ks.Sign(claimsFor("bob", "", time.Minute, ScopeObligationsRead))
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, call(readOnly))

	writer, err := ks.Sign(claimsFor("alice", "", time.Minute, ScopeAllocationsWrite))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, call(writer))
	assert.Equal(t, "alice", actor)
}

func TestActorFallsBackToClientID(t *testing.T) {
	ai := &AuthInfo{ClientID: "batch-importer"}
	assert.Equal(t, "batch-importer", ai.Actor())
	ai.Subject = "alice"
	assert.Equal(t, "alice", ai.Actor())
}
