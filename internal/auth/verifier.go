// Package auth resolves bearer tokens into the principal that owns
// subscriptions and delivery logs.
package auth

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"hookrelay/internal/config"
)

// Modes: dev (token is the owner id, no verification), hmac (HS256 with a
// shared secret), jwks (RS256 against keys fetched from a JWKS URL).
const (
	ModeDev  = "dev"
	ModeHMAC = "hmac"
	ModeJWKS = "jwks"
)

const DefaultRole = "user"

type Principal struct {
	Owner string
	Role  string
}

// IsAdmin reports whether the principal has the admin role.
func (p Principal) IsAdmin() bool { return p.Role == "admin" }

type Verifier struct {
	Mode       string
	HMACSecret []byte
	JWKSURL    string
	OwnerClaim string
	RoleClaim  string

	http      *http.Client
	mu        sync.RWMutex
	keys      jwks
	lastFetch time.Time
	cacheTTL  time.Duration
}

type jwks struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
	Alg string `json:"alg"`
}

func NewVerifier(cfg config.AuthConfig) *Verifier {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = ModeDev
	}
	v := &Verifier{
		Mode:       mode,
		HMACSecret: []byte(cfg.HMACSecret),
		JWKSURL:    cfg.JWKSURL,
		OwnerClaim: cfg.OwnerClaim,
		RoleClaim:  cfg.RoleClaim,
		http:       &http.Client{Timeout: 5 * time.Second},
		cacheTTL:   10 * time.Minute,
	}
	if v.OwnerClaim == "" {
		v.OwnerClaim = "sub"
	}
	if v.RoleClaim == "" {
		v.RoleClaim = "role"
	}
	return v
}

// Verify checks token and returns its principal.
func (v *Verifier) Verify(token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, errors.New("empty token")
	}
	if v.Mode == ModeDev {
		// token format: owner[:role]
		owner, role, _ := strings.Cut(token, ":")
		if owner == "" {
			return Principal{}, errors.New("invalid dev token; expected owner[:role]")
		}
		return principal(owner, role), nil
	}

	var opts []jwt.ParserOption
	var keyFunc jwt.Keyfunc
	switch v.Mode {
	case ModeHMAC:
		if len(v.HMACSecret) == 0 {
			return Principal{}, errors.New("hmac secret not configured")
		}
		opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		keyFunc = func(*jwt.Token) (any, error) { return v.HMACSecret, nil }
	case ModeJWKS:
		opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
		keyFunc = func(t *jwt.Token) (any, error) {
			kid, _ := t.Header["kid"].(string)
			return v.rsaKey(kid)
		}
	default:
		return Principal{}, fmt.Errorf("unsupported auth mode %q", v.Mode)
	}

	claims := jwt.MapClaims{}
	if _, err := jwt.ParseWithClaims(token, claims, keyFunc, opts...); err != nil {
		return Principal{}, err
	}
	owner, _ := claims[v.OwnerClaim].(string)
	if owner == "" {
		return Principal{}, fmt.Errorf("missing %s claim", v.OwnerClaim)
	}
	role, _ := claims[v.RoleClaim].(string)
	return principal(owner, role), nil
}

func principal(owner, role string) Principal {
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" {
		role = DefaultRole
	}
	return Principal{Owner: strings.TrimSpace(owner), Role: role}
}

// rsaKey looks kid up in the cached JWKS, refetching when the cache is
// empty or stale.
func (v *Verifier) rsaKey(kid string) (any, error) {
	v.mu.RLock()
	cached := v.keys
	stale := time.Since(v.lastFetch) > v.cacheTTL
	v.mu.RUnlock()
	if len(cached.Keys) == 0 || stale {
		if err := v.fetchJWKS(); err != nil {
			return nil, err
		}
		v.mu.RLock()
		cached = v.keys
		v.mu.RUnlock()
	}
	for _, k := range cached.Keys {
		if k.Kid != kid || !strings.EqualFold(k.Kty, "RSA") {
			continue
		}
		n, err := base64.RawURLEncoding.DecodeString(k.N)
		if err != nil {
			return nil, err
		}
		e, err := base64.RawURLEncoding.DecodeString(k.E)
		if err != nil {
			return nil, err
		}
		return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(new(big.Int).SetBytes(e).Int64())}, nil
	}
	return nil, errors.New("kid not found in JWKS")
}

func (v *Verifier) fetchJWKS() error {
	if v.JWKSURL == "" {
		return errors.New("auth.jwks_url not set")
	}
	resp, err := v.http.Get(v.JWKSURL)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch JWKS: HTTP %d", resp.StatusCode)
	}
	var j jwks
	if err := json.NewDecoder(resp.Body).Decode(&j); err != nil {
		return err
	}
	v.mu.Lock()
	v.keys = j
	v.lastFetch = time.Now()
	v.mu.Unlock()
	return nil
}
