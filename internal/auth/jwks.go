package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"sort"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// KeySet holds the RSA public keys trusted for bearer tokens, by key id. A generated
// set also carries its private key so it can mint tokens for local runs and tests.
type KeySet struct {
	keys       map[string]*rsa.PublicKey
	privateKey *rsa.PrivateKey
	kid        string
}

type JWKS struct {
	Keys []JWK `json:"keys"`
}

type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use,omitempty"`
	Alg string `json:"alg,omitempty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func NewKeySet() (*KeySet, error) {
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	kid := uuid.NewString()
	return &KeySet{
		keys:       map[string]*rsa.PublicKey{kid: &pk.PublicKey},
		privateKey: pk,
		kid:        kid,
	}, nil
}

// LoadPublicKeyPEM trusts the single RSA public key in a PEM file.
func LoadPublicKeyPEM(path string) (*KeySet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key: %w", err)
	}
	pub, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return &KeySet{keys: map[string]*rsa.PublicKey{"": pub}}, nil
}

// LoadJWKS trusts every RSA key of a JWKS document on disk.
func LoadJWKS(path string) (*KeySet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read jwks: %w", err)
	}
	return ParseJWKS(data)
}

func ParseJWKS(data []byte) (*KeySet, error) {
	var doc JWKS
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode jwks: %w", err)
	}

	ks := &KeySet{keys: make(map[string]*rsa.PublicKey)}
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		pub, err := rsaPublicKey(k)
		if err != nil {
			return nil, fmt.Errorf("invalid key %s: %w", k.Kid, err)
		}
		ks.keys[k.Kid] = pub
	}
	if len(ks.keys) == 0 {
		return nil, errors.New("jwks contains no RSA signing keys")
	}
	return ks, nil
}

func (ks *KeySet) PrivateKey() *rsa.PrivateKey { return ks.privateKey }

func (ks *KeySet) KeyID() string { return ks.kid }

// Key returns the key for kid. A token without kid is accepted when the set holds
// exactly one key, and a key loaded from PEM has no kid and verifies any token.
func (ks *KeySet) Key(kid string) (*rsa.PublicKey, error) {
	if ks == nil || len(ks.keys) == 0 {
		return nil, errors.New("missing keyset")
	}
	if pub, ok := ks.keys[kid]; ok {
		return pub, nil
	}
	if kid == "" && len(ks.keys) == 1 {
		for _, pub := range ks.keys {
			return pub, nil
		}
	}
	if pub, ok := ks.keys[""]; ok {
		return pub, nil
	}
	return nil, fmt.Errorf("unknown key id %q", kid)
}

func (ks *KeySet) JWKS() (JWKS, error) {
	if ks == nil || len(ks.keys) == 0 {
		return JWKS{}, errors.New("missing public key")
	}

	kids := make([]string, 0, len(ks.keys))
	for kid := range ks.keys {
		kids = append(kids, kid)
	}
	sort.Strings(kids)

	out := JWKS{Keys: make([]JWK, 0, len(kids))}
	for _, kid := range kids {
		out.Keys = append(out.Keys, rsaPublicJWK(kid, ks.keys[kid]))
	}
	return out, nil
}

// Sign mints an RS256 token with the set's private key.
func (ks *KeySet) Sign(claims jwt.Claims) (string, error) {
	if ks.privateKey == nil {
		return "", errors.New("keyset has no private key")
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = ks.kid
	return tok.SignedString(ks.privateKey)
}

func rsaPublicJWK(kid string, pub *rsa.PublicKey) JWK {
	n := base64.RawURLEncoding.EncodeToString(pub.N.Bytes())

	// RFC7517: exponent is base64url-encoded big-endian.
	eBytes := big.NewInt(int64(pub.E)).Bytes()
	e := base64.RawURLEncoding.EncodeToString(eBytes)

	return JWK{
		Kty: "RSA",
		Use: "sig",
		Alg: "RS256",
		Kid: kid,
		N:   n,
		E:   e,
	}
}

func rsaPublicKey(k JWK) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("bad modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("bad exponent: %w", err)
	}
	e := new(big.Int).SetBytes(eBytes)
	if !e.IsInt64() || e.Int64() < 3 {
		return nil, errors.New("bad exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: int(e.Int64())}, nil
}
