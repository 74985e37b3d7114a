package integration

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	providerKeyID    = "tabula-it-es256"
	providerIssuer   = "https://auth.test.tabula.dev"
	providerAudience = "tabula-test"
)

// TestClaims describes the caller a token is minted for. Extra entries
// override the standard claims.
type TestClaims struct {
	SubjectID string
	TenantID  string
	Roles     []string
	Extra     map[string]any
}

// identityProvider mints ES256 tokens and publishes the verification key
// as a JWKS document.
type identityProvider struct {
	key       *ecdsa.PrivateKey
	server    *httptest.Server
	jwksHits  atomic.Int32
	lifetime  time.Duration
	algorithm jwt.SigningMethod
}

func newIdentityProvider(t *testing.T) *identityProvider {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}
	point, err := key.PublicKey.Bytes()
	if err != nil {
		t.Fatalf("encode public key: %v", err)
	}
	enc := base64.RawURLEncoding.EncodeToString
	doc, err := json.Marshal(map[string]any{"keys": []map[string]string{{
		"kid": providerKeyID,
		"kty": "EC",
		"crv": "P-256",
		"use": "sig",
		"alg": "ES256",
		"x":   enc(point[1:33]),
		"y":   enc(point[33:]),
	}}})
	if err != nil {
		t.Fatal(err)
	}

	p := &identityProvider{key: key, lifetime: time.Hour, algorithm: jwt.SigningMethodES256}
	p.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		p.jwksHits.Add(1)
		w.Header().Set("Content-Type", "application/jwk-set+json")
		_, _ = w.Write(doc)
	}))
	t.Cleanup(p.server.Close)
	return p
}

// Token mints a token for c that stays valid for the provider's lifetime.
func (p *identityProvider) Token(c TestClaims) string {
	return p.Sign(p.claims(c, time.Now()))
}

// ExpiredToken mints a token whose exp lies past the verifier's leeway.
func (p *identityProvider) ExpiredToken(c TestClaims) string {
	return p.Sign(p.claims(c, time.Now().Add(-2*p.lifetime)))
}

// Sign signs arbitrary claims with the published key.
func (p *identityProvider) Sign(claims jwt.MapClaims) string {
	tok := jwt.NewWithClaims(p.algorithm, claims)
	tok.Header["kid"] = providerKeyID
	signed, err := tok.SignedString(p.key)
	if err != nil {
		panic("integration: sign token: " + err.Error())
	}
	return signed
}

func (p *identityProvider) claims(c TestClaims, issued time.Time) jwt.MapClaims {
	claims := jwt.MapClaims{
		"iss":       providerIssuer,
		"aud":       providerAudience,
		"sub":       c.SubjectID,
		"tenant_id": c.TenantID,
		"iat":       issued.Unix(),
		"exp":       issued.Add(p.lifetime).Unix(),
	}
	if len(c.Roles) > 0 {
		claims["roles"] = c.Roles
	}
	for k, v := range c.Extra {
		claims[k] = v
	}
	return claims
}

// JWKSURL is where the service fetches the verification key.
func (p *identityProvider) JWKSURL() string { return p.server.URL }

// KeyFetches counts JWKS downloads.
func (p *identityProvider) KeyFetches() int { return int(p.jwksHits.Load()) }
