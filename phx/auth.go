package phx

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

// TokenProvider supplies the bearer token used when connecting and on
// every rejoin. The socket only ever reads the current value; refreshing
// is the provider's concern.
type TokenProvider interface {
	CurrentToken(ctx context.Context) (string, error)
}

// StaticToken is a TokenProvider for a fixed token.
type StaticToken string

// CurrentToken returns the fixed token.
func (token StaticToken) CurrentToken(ctx context.Context) (string, error) {
	return string(token), nil
}

// RefreshingTokenProvider caches a token and refreshes it through the
// supplied function when it nears expiry. Concurrent callers needing a
// refresh share a single in-flight refresh; the refreshed token is stored
// before any caller observes it. Expiry is read from the token's JWT exp
// claim without signature verification, which stays the server's job.
type RefreshingTokenProvider struct {
	refresh func(ctx context.Context) (string, error)
	leeway  time.Duration
	group   singleflight.Group

	lock   sync.Mutex
	token  string
	expiry time.Time
}

// NewRefreshingTokenProvider returns a new RefreshingTokenProvider.
func NewRefreshingTokenProvider(refresh func(ctx context.Context) (string, error)) *RefreshingTokenProvider {
	return &RefreshingTokenProvider{
		refresh: refresh,
		leeway:  30 * time.Second,
	}
}

// SetLeeway sets how long before expiry a token is treated as stale.
func (provider *RefreshingTokenProvider) SetLeeway(leeway time.Duration) *RefreshingTokenProvider {
	if leeway < 0 {
		leeway = 0
	}
	provider.lock.Lock()
	provider.leeway = leeway
	provider.lock.Unlock()
	return provider
}

// CurrentToken returns the cached token while it is fresh, otherwise
// refreshes it, coalescing concurrent refresh attempts into one.
func (provider *RefreshingTokenProvider) CurrentToken(ctx context.Context) (string, error) {
	provider.lock.Lock()
	token := provider.token
	fresh := token != "" && (provider.expiry.IsZero() || time.Until(provider.expiry) > provider.leeway)
	provider.lock.Unlock()

	if fresh {
		return token, nil
	}

	refreshed, err, _ := provider.group.Do("token", func() (interface{}, error) {
		if provider.refresh == nil {
			return "", NewError(AuthenticationError, "no refresh function configured")
		}
		next, refreshErr := provider.refresh(ctx)
		if refreshErr != nil {
			return "", NewError(AuthenticationError, refreshErr)
		}

		provider.lock.Lock()
		provider.token = next
		provider.expiry = tokenExpiry(next)
		provider.lock.Unlock()

		return next, nil
	})
	if err != nil {
		return "", err
	}

	return refreshed.(string), nil
}

// tokenExpiry extracts the exp claim from a JWT-shaped token. Tokens that
// are not JWTs or carry no exp never expire from the provider's view.
func tokenExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	expiry, err := claims.GetExpirationTime()
	if err != nil || expiry == nil {
		return time.Time{}
	}
	return expiry.Time
}
