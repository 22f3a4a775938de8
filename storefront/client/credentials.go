package client

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

// CredentialProvider yields the current bearer credential. An empty string means
// "no credential". Implementations must be safe for concurrent use; Client and the
// realtime manager call it once per attempt and never cache the result.
type CredentialProvider interface {
	FetchCredential(ctx context.Context) (string, error)
}

// CredentialFunc adapts a function to CredentialProvider.
type CredentialFunc func(ctx context.Context) (string, error)

// FetchCredential calls f.
func (f CredentialFunc) FetchCredential(ctx context.Context) (string, error) {
	return f(ctx)
}

// StaticCredential returns a provider that always yields token.
func StaticCredential(token string) CredentialProvider {
	return CredentialFunc(func(context.Context) (string, error) {
		return token, nil
	})
}

// =============================================================================
// Refreshing Provider
// =============================================================================

// RefreshFunc obtains a fresh credential, e.g. by exchanging a refresh token.
type RefreshFunc func(ctx context.Context) (string, error)

// RefreshingProvider caches a credential until shortly before its JWT "exp" claim and
// coordinates refreshes so concurrent callers trigger a single RefreshFunc call.
// Tokens without a readable expiry are cached until Invalidate.
type RefreshingProvider struct {
	refresh RefreshFunc
	leeway  time.Duration
	now     func() time.Time

	mu        sync.RWMutex
	token     string
	expiresAt time.Time

	group singleflight.Group
}

// NewRefreshingProvider creates a provider refreshing leeway before expiry.
func NewRefreshingProvider(refresh RefreshFunc, leeway time.Duration) *RefreshingProvider {
	if leeway < 0 {
		leeway = 0
	}
	return &RefreshingProvider{
		refresh: refresh,
		leeway:  leeway,
		now:     time.Now,
	}
}

// FetchCredential returns the cached credential or refreshes it.
func (p *RefreshingProvider) FetchCredential(ctx context.Context) (string, error) {
	p.mu.RLock()
	token, expiresAt := p.token, p.expiresAt
	p.mu.RUnlock()

	if token != "" && (expiresAt.IsZero() || p.now().Add(p.leeway).Before(expiresAt)) {
		return token, nil
	}

	v, err, _ := p.group.Do("refresh", func() (interface{}, error) {
		fresh, err := p.refresh(ctx)
		if err != nil {
			return "", fmt.Errorf("refresh credential: %w", err)
		}
		fresh = strings.TrimSpace(fresh)

		p.mu.Lock()
		p.token = fresh
		p.expiresAt = tokenExpiry(fresh)
		p.mu.Unlock()
		return fresh, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the cached credential so the next fetch refreshes.
// Wire it to Config.OnUnauthorized to recover from server-side revocation.
func (p *RefreshingProvider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = ""
	p.expiresAt = time.Time{}
}

// tokenExpiry reads the "exp" claim without verifying the signature. The zero time
// is returned when the token is not a JWT or carries no expiry.
func tokenExpiry(token string) time.Time {
	if token == "" {
		return time.Time{}
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// =============================================================================
// Service Token Provider
// =============================================================================

// ServiceClaims are the claims minted by ServiceTokenProvider.
type ServiceClaims struct {
	ServiceID string `json:"service_id"`
	Role      string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// ServiceTokenProvider mints a short-lived RS256 token per call. Admin tooling uses it
// when talking to the backend as a service rather than as a signed-in user.
type ServiceTokenProvider struct {
	privateKey *rsa.PrivateKey
	serviceID  string
	role       string
	ttl        time.Duration
	now        func() time.Time
}

// NewServiceTokenProvider creates a provider signing with privateKey.
func NewServiceTokenProvider(privateKey *rsa.PrivateKey, serviceID, role string, ttl time.Duration) (*ServiceTokenProvider, error) {
	if privateKey == nil {
		return nil, errors.New("private key is required")
	}
	if strings.TrimSpace(serviceID) == "" {
		return nil, errors.New("service ID is required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ServiceTokenProvider{
		privateKey: privateKey,
		serviceID:  serviceID,
		role:       role,
		ttl:        ttl,
		now:        time.Now,
	}, nil
}

// FetchCredential mints and signs a new token.
func (p *ServiceTokenProvider) FetchCredential(context.Context) (string, error) {
	now := p.now()
	claims := ServiceClaims{
		ServiceID: p.serviceID,
		Role:      p.role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    p.serviceID,
			Subject:   p.serviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(p.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(p.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign service token: %w", err)
	}
	return signed, nil
}

// =============================================================================
// Redis Provider
// =============================================================================

// RedisGetter is the subset of *redis.Client used by RedisCredentialProvider.
type RedisGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// RedisCredentialProvider reads the session credential from a shared Redis key, written
// by whichever process performs sign-in. A missing key yields no credential.
type RedisCredentialProvider struct {
	client RedisGetter
	key    string
}

// NewRedisCredentialProvider creates a provider reading key.
func NewRedisCredentialProvider(client RedisGetter, key string) *RedisCredentialProvider {
	return &RedisCredentialProvider{client: client, key: key}
}

// FetchCredential reads the key.
func (p *RedisCredentialProvider) FetchCredential(ctx context.Context) (string, error) {
	val, err := p.client.Get(ctx, p.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis get %s: %w", p.key, err)
	}
	return strings.TrimSpace(val), nil
}
