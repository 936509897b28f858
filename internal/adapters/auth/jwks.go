package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var errJWKSUnavailable = errors.New("jwks endpoint unavailable")

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwkSet struct {
	Keys []jwk `json:"keys"`
}

// jwksResolver fetches and caches the signing keys published at a JWKS URL.
// A fetch failure while a cached set exists serves the stale set; a miss on
// a kid forces one refresh before giving up.
type jwksResolver struct {
	url    string
	client *http.Client

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

func newJWKSResolver(url string) *jwksResolver {
	return &jwksResolver{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
		keys:   make(map[string]*rsa.PublicKey),
	}
}

func (r *jwksResolver) keyFor(ctx context.Context, token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	kid, _ := token.Header["kid"].(string)

	if key := r.lookup(kid); key != nil {
		return key, nil
	}
	if err := r.refresh(ctx); err != nil {
		r.mu.RLock()
		empty := len(r.keys) == 0
		r.mu.RUnlock()
		if empty {
			return nil, fmt.Errorf("%w: %v", errJWKSUnavailable, err)
		}
	}
	if key := r.lookup(kid); key != nil {
		return key, nil
	}
	return nil, jwt.ErrTokenSignatureInvalid
}

func (r *jwksResolver) lookup(kid string) *rsa.PublicKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if kid != "" {
		return r.keys[kid]
	}
	// No kid in the header: usable only when exactly one key is published.
	if len(r.keys) == 1 {
		for _, k := range r.keys {
			return k
		}
	}
	return nil
}

func (r *jwksResolver) refresh(ctx context.Context) error {
	r.mu.Lock()
	if time.Since(r.fetchedAt) < time.Minute && len(r.keys) > 0 {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks fetch returned %d", resp.StatusCode)
	}

	var set jwkSet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kty != "RSA" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		pub, err := k.publicKey()
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return errors.New("jwks contained no usable RSA signing keys")
	}

	r.mu.Lock()
	r.keys = keys
	r.fetchedAt = time.Now()
	r.mu.Unlock()
	return nil
}

func (k jwk) publicKey() (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	e := 0
	for _, b := range eb {
		e = e<<8 | int(b)
	}
	if e <= 1 {
		return nil, errors.New("invalid public exponent")
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nb),
		E: e,
	}, nil
}
