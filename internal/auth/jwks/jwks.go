// Package jwks fetches and caches a platform's public signing keys.
package jwks

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

type JWK struct {
	Kty string `json:"kty"`
	N   string `json:"n,omitempty"`
	E   string `json:"e,omitempty"`
	Use string `json:"use,omitempty"`
	Kid string `json:"kid,omitempty"`
	Alg string `json:"alg,omitempty"`
}

type JWKS struct {
	Keys []JWK `json:"keys"`
}

var ErrUnknownKey = errors.New("jwks: unknown key id")

// RSAPublicKey decodes an RSA JWK.
func (k JWK) RSAPublicKey() (*rsa.PublicKey, error) {
	if k.Kty != "RSA" {
		return nil, fmt.Errorf("jwks: unsupported kty %q", k.Kty)
	}
	n, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("jwks: modulus: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("jwks: exponent: %w", err)
	}
	exp := new(big.Int).SetBytes(e)
	if !exp.IsInt64() || exp.Int64() < 3 {
		return nil, errors.New("jwks: bad exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(exp.Int64())}, nil
}

// FromRSA builds the public JWK of pub.
func FromRSA(pub *rsa.PublicKey, kid string) JWK {
	return JWK{
		Kty: "RSA",
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		Use: "sig",
		Kid: kid,
		Alg: "RS256",
	}
}

// RemoteSet serves keys from a JWKS URL. The set is refetched after MaxAge,
// or at most once per MinRefresh when a token names an unknown kid.
type RemoteSet struct {
	URL        string
	HTTP       *http.Client
	MaxAge     time.Duration
	MinRefresh time.Duration

	mu      sync.Mutex
	keys    map[string]*rsa.PublicKey
	fetched time.Time
	now     func() time.Time
}

func NewRemoteSet(url string) *RemoteSet {
	return &RemoteSet{
		URL:        url,
		HTTP:       &http.Client{Timeout: 10 * time.Second},
		MaxAge:     time.Hour,
		MinRefresh: time.Minute,
		now:        time.Now,
	}
}

// Key returns the RSA key with the given kid.
func (s *RemoteSet) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	stale := s.keys == nil || now.Sub(s.fetched) > s.MaxAge
	if k, ok := s.keys[kid]; ok && !stale {
		return k, nil
	}
	if stale || now.Sub(s.fetched) > s.MinRefresh {
		if err := s.refresh(ctx); err != nil {
			return nil, err
		}
	}
	if k, ok := s.keys[kid]; ok {
		return k, nil
	}
	return nil, ErrUnknownKey
}

func (s *RemoteSet) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return err
	}
	resp, err := s.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("jwks: fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks: fetch: status %d", resp.StatusCode)
	}
	var set JWKS
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("jwks: decode: %w", err)
	}
	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		pub, err := k.RSAPublicKey()
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}
	s.keys, s.fetched = keys, s.now()
	return nil
}

// Keyfunc adapts the set for jwt.Parse. Only RS256 tokens with a kid are accepted.
func (s *RemoteSet) Keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != jwt.SigningMethodRS256.Alg() {
			return nil, fmt.Errorf("jwks: unexpected alg %s", t.Method.Alg())
		}
		kid, _ := t.Header["kid"].(string)
		return s.Key(ctx, kid)
	}
}
