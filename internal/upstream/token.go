package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"github.com/leaderboard-sync/internal/config"
	"github.com/leaderboard-sync/internal/domain"
	"github.com/leaderboard-sync/internal/metrics"
)

// defaultTokenLifetime applies when the token endpoint omits expires_in
const defaultTokenLifetime = time.Hour

// Credential is a bearer token and its absolute expiry
type Credential struct {
	Token  string
	Expiry time.Time
}

type exchangeFunc func(ctx context.Context) (*oauth2.Token, error)

// TokenGateway obtains and caches the upstream bearer credential.
// Refreshes are single-flight: concurrent callers during an exchange share
// its result.
type TokenGateway struct {
	exchange exchangeFunc
	margin   time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu    sync.RWMutex
	cred  Credential
	group singleflight.Group
}

// NewTokenGateway creates a gateway performing the OAuth2 client-credentials
// exchange against cfg.TokenURL.
func NewTokenGateway(cfg *config.UpstreamConfig, httpClient *http.Client, logger *slog.Logger) *TokenGateway {
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       cfg.Scopes,
	}
	exchange := func(ctx context.Context) (*oauth2.Token, error) {
		if httpClient != nil {
			ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
		}
		return cc.Token(ctx)
	}
	return newTokenGateway(exchange, cfg.TokenMargin, logger)
}

func newTokenGateway(exchange exchangeFunc, margin time.Duration, logger *slog.Logger) *TokenGateway {
	return &TokenGateway{
		exchange: exchange,
		margin:   margin,
		now:      time.Now,
		logger:   logger,
	}
}

// Token returns the cached credential while now < expiry - margin,
// otherwise performs a blocking exchange.
func (g *TokenGateway) Token(ctx context.Context) (Credential, error) {
	if cred, ok := g.cached(); ok {
		return cred, nil
	}

	v, err, _ := g.group.Do("token", func() (interface{}, error) {
		if cred, ok := g.cached(); ok {
			return cred, nil
		}
		return g.refresh(context.WithoutCancel(ctx))
	})
	if err != nil {
		return Credential{}, err
	}
	return v.(Credential), nil
}

// Invalidate drops the cached credential so the next call exchanges again
func (g *TokenGateway) Invalidate() {
	g.mu.Lock()
	g.cred = Credential{}
	g.mu.Unlock()
}

func (g *TokenGateway) cached() (Credential, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.cred.Token == "" {
		return Credential{}, false
	}
	if !g.now().Before(g.cred.Expiry.Add(-g.margin)) {
		return Credential{}, false
	}
	return g.cred, true
}

func (g *TokenGateway) refresh(ctx context.Context) (Credential, error) {
	tok, err := g.exchange(ctx)
	if err != nil {
		metrics.TokenRefreshes.WithLabelValues("error").Inc()
		g.logger.Error("credential exchange failed", "error", err)
		return Credential{}, fmt.Errorf("%w: %v", domain.ErrAuthFailure, err)
	}
	if tok == nil || tok.AccessToken == "" {
		metrics.TokenRefreshes.WithLabelValues("error").Inc()
		return Credential{}, fmt.Errorf("%w: empty access token", domain.ErrAuthFailure)
	}

	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = g.now().Add(defaultTokenLifetime)
	}
	cred := Credential{Token: tok.AccessToken, Expiry: expiry}

	g.mu.Lock()
	g.cred = cred
	g.mu.Unlock()

	metrics.TokenRefreshes.WithLabelValues("ok").Inc()
	g.logger.Info("upstream credential refreshed", "expires_at", expiry)
	return cred, nil
}
