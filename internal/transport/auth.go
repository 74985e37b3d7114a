package transport

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/tabula/internal/clock"
	"github.com/pitabwire/tabula/internal/config"
	"github.com/pitabwire/tabula/model"
)

const clockSkew = 30 * time.Second

var errUnknownKey = errors.New("unknown signing key")

// KeySource resolves the key that verifies a parsed token.
type KeySource interface {
	KeyFor(token *jwt.Token) (any, error)
}

// HMACKey verifies HS* tokens against a shared secret.
type HMACKey []byte

// KeyFor returns the secret for HMAC tokens.
func (k HMACKey) KeyFor(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method %s", token.Method.Alg())
	}
	return []byte(k), nil
}

// NewAuthenticator builds the bearer-token middleware for cfg: a shared
// secret when secret_env is set, the provider's JWKS otherwise. It returns
// nil when identity is disabled.
func NewAuthenticator(cfg config.IdentityConfig, logger *zap.Logger) (func(http.Handler) http.Handler, error) {
	switch {
	case !cfg.Enabled:
		return nil, nil
	case cfg.SecretEnv != "":
		secret := os.Getenv(cfg.SecretEnv)
		if secret == "" {
			return nil, fmt.Errorf("identity: environment variable %s is empty", cfg.SecretEnv)
		}
		cfg.Algorithms = onlyHMAC(cfg.Algorithms)
		return JWTAuthenticator(cfg, HMACKey(secret), logger), nil
	case cfg.JWKSURL != "":
		return JWTAuthenticator(cfg, NewJWKS(cfg.JWKSURL, cfg.JWKSCacheTTL, WithJWKSLogger(logger)), logger), nil
	default:
		return nil, errors.New("identity: jwks_url or secret_env is required")
	}
}

// onlyHMAC keeps the HS* entries of algs, defaulting to HS256. A shared
// secret must never verify an asymmetric algorithm.
func onlyHMAC(algs []string) []string {
	var out []string
	for _, a := range algs {
		if strings.HasPrefix(a, "HS") {
			out = append(out, a)
		}
	}
	if len(out) == 0 {
		return []string{"HS256"}
	}
	return out
}

// JWTAuthenticator verifies the bearer token of each request and stores
// its claims and raw form in the request context. Rejections are 401s
// whose message names the failed check but never echoes the token.
func JWTAuthenticator(cfg config.IdentityConfig, keys KeySource, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(cfg.Algorithms),
		jwt.WithLeeway(clockSkew),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	parser := jwt.NewParser(opts...)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, reason := bearerToken(r.Header.Get("Authorization"))
			if reason != "" {
				WriteError(w, model.NewUnauthorizedError(reason))
				return
			}

			claims := jwt.MapClaims{}
			if _, err := parser.ParseWithClaims(raw, claims, keys.KeyFor); err != nil {
				reason := rejection(err)
				logger.Debug("bearer token rejected",
					zap.String("reason", reason),
					zap.String("path", r.URL.Path),
					zap.Error(err))
				WriteError(w, model.NewUnauthorizedError(reason))
				return
			}

			ctx := WithClaims(r.Context(), claims)
			ctx = context.WithValue(ctx, tokenKey{}, raw)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken extracts the token of an Authorization header. The scheme
// is matched case-insensitively.
func bearerToken(header string) (token, reason string) {
	if header == "" {
		return "", "Missing authorization header"
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", "Invalid authorization header format"
	}
	return strings.TrimSpace(token), ""
}

func rejection(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "Token expired"
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return "Token not valid yet"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "Invalid token issuer"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "Invalid token audience"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "Token is missing a required claim"
	case errors.Is(err, errUnknownKey):
		return "Unknown signing key"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		if strings.Contains(err.Error(), "signing method") {
			return "Disallowed signing algorithm"
		}
		return "Invalid token signature"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "Malformed token"
	default:
		return "Invalid token"
	}
}

// JWKS caches the signing keys an identity provider publishes. A stale
// set is refetched on demand, at most once per minRefresh; when the
// provider is unreachable, cached keys keep verifying tokens.
type JWKS struct {
	url        string
	ttl        time.Duration
	minRefresh time.Duration
	client     *http.Client
	clock      clock.Clock
	logger     *zap.Logger

	fetchMu sync.Mutex

	mu      sync.RWMutex
	keys    map[string]crypto.PublicKey
	fetched time.Time
}

// JWKSOption configures a JWKS.
type JWKSOption func(*JWKS)

// WithJWKSLogger sets the logger for refresh warnings.
func WithJWKSLogger(l *zap.Logger) JWKSOption {
	return func(j *JWKS) {
		if l != nil {
			j.logger = l
		}
	}
}

// WithJWKSClock sets the clock that ages the key set.
func WithJWKSClock(c clock.Clock) JWKSOption {
	return func(j *JWKS) {
		if c != nil {
			j.clock = c
		}
	}
}

// NewJWKS returns a key cache for the set at url, fresh for ttl (one hour
// when zero).
func NewJWKS(url string, ttl time.Duration, opts ...JWKSOption) *JWKS {
	if ttl <= 0 {
		ttl = time.Hour
	}
	j := &JWKS{
		url:        url,
		ttl:        ttl,
		minRefresh: min(5*time.Minute, ttl),
		client:     &http.Client{Timeout: 10 * time.Second},
		clock:      clock.Real(),
		logger:     zap.NewNop(),
		keys:       map[string]crypto.PublicKey{},
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// KeyFor resolves the token's kid.
func (j *JWKS) KeyFor(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return nil, fmt.Errorf("%w: token header has no kid", errUnknownKey)
	}
	return j.Key(kid)
}

// Key returns the public key for kid.
func (j *JWKS) Key(kid string) (crypto.PublicKey, error) {
	key, fresh := j.lookup(kid)
	if key != nil && fresh {
		return key, nil
	}
	if err := j.refresh(); err != nil {
		if key != nil {
			j.logger.Warn("jwks refresh failed, using cached key", zap.String("kid", kid), zap.Error(err))
			return key, nil
		}
		return nil, fmt.Errorf("jwks: %w", err)
	}
	if key, _ = j.lookup(kid); key == nil {
		return nil, fmt.Errorf("%w %q", errUnknownKey, kid)
	}
	return key, nil
}

func (j *JWKS) lookup(kid string) (crypto.PublicKey, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.keys[kid], j.clock.Now().Sub(j.fetched) <= j.ttl
}

func (j *JWKS) refresh() error {
	j.fetchMu.Lock()
	defer j.fetchMu.Unlock()

	j.mu.RLock()
	recent := len(j.keys) > 0 && j.clock.Now().Sub(j.fetched) < j.minRefresh
	j.mu.RUnlock()
	if recent {
		return nil
	}

	keys, err := j.fetch()
	if err != nil {
		return err
	}
	j.mu.Lock()
	j.keys = keys
	j.fetched = j.clock.Now()
	j.mu.Unlock()
	return nil
}

func (j *JWKS) fetch() (map[string]crypto.PublicKey, error) {
	resp, err := j.client.Get(j.url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var set struct {
		Keys []jsonWebKey `json:"keys"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&set); err != nil {
		return nil, fmt.Errorf("decode key set: %w", err)
	}

	keys := make(map[string]crypto.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kid == "" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		pub, err := k.publicKey()
		if err != nil {
			j.logger.Warn("jwks key skipped", zap.String("kid", k.Kid), zap.Error(err))
			continue
		}
		keys[k.Kid] = pub
	}
	return keys, nil
}

// jsonWebKey is the subset of RFC 7517 fields needed for RSA and EC
// verification keys.
type jsonWebKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

func (k jsonWebKey) publicKey() (crypto.PublicKey, error) {
	switch k.Kty {
	case "RSA":
		n, err := decodeSegment("n", k.N)
		if err != nil {
			return nil, err
		}
		e, err := decodeSegment("e", k.E)
		if err != nil {
			return nil, err
		}
		exp := new(big.Int).SetBytes(e)
		if !exp.IsInt64() || exp.Int64() > 1<<31-1 {
			return nil, errors.New("rsa exponent out of range")
		}
		return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(exp.Int64())}, nil
	case "EC":
		var curve elliptic.Curve
		switch k.Crv {
		case "P-256":
			curve = elliptic.P256()
		case "P-384":
			curve = elliptic.P384()
		case "P-521":
			curve = elliptic.P521()
		default:
			return nil, fmt.Errorf("unsupported curve %q", k.Crv)
		}
		x, err := decodeSegment("x", k.X)
		if err != nil {
			return nil, err
		}
		y, err := decodeSegment("y", k.Y)
		if err != nil {
			return nil, err
		}
		size := (curve.Params().BitSize + 7) / 8
		if len(x) > size || len(y) > size {
			return nil, errors.New("ec coordinate too long")
		}
		point := make([]byte, 1+2*size)
		point[0] = 4
		copy(point[1+size-len(x):1+size], x)
		copy(point[1+2*size-len(y):], y)
		return ecdsa.ParseUncompressedPublicKey(curve, point)
	default:
		return nil, fmt.Errorf("unsupported key type %q", k.Kty)
	}
}

func decodeSegment(name, s string) ([]byte, error) {
	if s == "" {
		return nil, fmt.Errorf("missing %s", name)
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return b, nil
}
