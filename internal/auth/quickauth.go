// Package auth verifies Farcaster QuickAuth bearer tokens.
//
// QuickAuth tokens are ES256 JWTs issued by the Farcaster auth server. The
// audience claim carries the miniapp deployment domain; a token minted for
// one deployment must not validate against another, so callers pass the
// domain resolved from the incoming request.
package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken    = errors.New("invalid quickauth token")
	ErrKeysUnavailable = errors.New("quickauth key set unavailable")
)

const jwksPath = "/.well-known/jwks.json"

// Verifier validates QuickAuth JWTs against the issuer's published key set.
// The key set is cached and refetched when a token references an unknown kid.
type Verifier struct {
	issuer string
	client *http.Client

	mu        sync.Mutex
	keys      map[string]*ecdsa.PublicKey
	fetchedAt time.Time
}

func NewVerifier(issuer string, client *http.Client) *Verifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Verifier{issuer: issuer, client: client}
}

// Verify checks token signature, expiry, and audience against domain, and
// returns the verified FID from the sub claim.
func (v *Verifier) Verify(ctx context.Context, token, domain string) (string, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return v.key(ctx, kid)
	},
		jwt.WithValidMethods([]string{"ES256"}),
		jwt.WithAudience(domain),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, ErrKeysUnavailable) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	fid := subjectFID(claims)
	if fid == "" {
		return "", fmt.Errorf("%w: missing sub (fid)", ErrInvalidToken)
	}
	return fid, nil
}

// subjectFID tolerates both numeric and string sub claims; the auth server
// has emitted both across versions.
func subjectFID(claims jwt.MapClaims) string {
	switch sub := claims["sub"].(type) {
	case string:
		return sub
	case float64:
		return strconv.FormatInt(int64(sub), 10)
	case json.Number:
		return sub.String()
	default:
		return ""
	}
}

func (v *Verifier) key(ctx context.Context, kid string) (*ecdsa.PublicKey, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if key, ok := v.keys[kid]; ok {
		return key, nil
	}
	// Unknown kid: refetch unless we just did.
	if v.keys == nil || time.Since(v.fetchedAt) > time.Minute {
		if err := v.fetchLocked(ctx); err != nil {
			return nil, err
		}
		if key, ok := v.keys[kid]; ok {
			return key, nil
		}
	}
	return nil, fmt.Errorf("%w: unknown key id %q", ErrInvalidToken, kid)
}

func (v *Verifier) fetchLocked(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.issuer+jwksPath, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeysUnavailable, err)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeysUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrKeysUnavailable, resp.StatusCode)
	}

	var payload struct {
		Keys []struct {
			Kty string `json:"kty"`
			Crv string `json:"crv"`
			Kid string `json:"kid"`
			X   string `json:"x"`
			Y   string `json:"y"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("%w: %v", ErrKeysUnavailable, err)
	}

	keys := make(map[string]*ecdsa.PublicKey, len(payload.Keys))
	for _, k := range payload.Keys {
		if k.Kty != "EC" || k.Crv != "P-256" {
			continue
		}
		xBytes, err := base64.RawURLEncoding.DecodeString(k.X)
		if err != nil {
			continue
		}
		yBytes, err := base64.RawURLEncoding.DecodeString(k.Y)
		if err != nil {
			continue
		}
		keys[k.Kid] = &ecdsa.PublicKey{
			Curve: elliptic.P256(),
			X:     new(big.Int).SetBytes(xBytes),
			Y:     new(big.Int).SetBytes(yBytes),
		}
	}
	if len(keys) == 0 {
		return fmt.Errorf("%w: no usable keys in set", ErrKeysUnavailable)
	}

	v.keys = keys
	v.fetchedAt = time.Now()
	return nil
}

// ResolveDomain picks the audience domain for token verification:
// the Origin header's host, then the Host header, then the configured
// canonical host.
func ResolveDomain(r *http.Request, canonicalHost string) string {
	if origin := r.Header.Get("Origin"); origin != "" {
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			return u.Host
		}
	}
	if r.Host != "" {
		return r.Host
	}
	return canonicalHost
}

// BearerToken extracts the token from an Authorization header, or "".
func BearerToken(r *http.Request) string {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return ""
	}
	return header[len(prefix):]
}
