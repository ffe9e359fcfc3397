package restvendor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/makkenzo/key-fulfillment-service/internal/provider"
	"go.uber.org/zap"
)

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// accessToken returns a valid token, fetching at most one at a time per adapter.
func (a *Adapter) accessToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	if a.token != "" && a.now().Before(a.expiry) {
		token := a.token
		a.mu.Unlock()
		return token, nil
	}
	a.mu.Unlock()

	v, err, _ := a.tokens.Do("token", func() (any, error) {
		return a.refreshToken(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (a *Adapter) refreshToken(ctx context.Context) (string, error) {
	if a.cache != nil {
		token, ttl, err := a.cache.Get(ctx, string(a.name))
		if err != nil {
			a.logger.Warn("Token cache read failed", zap.Error(err))
		} else if token != "" && ttl > 0 {
			// The entry was written with the skewed ttl, so it lapses before the token.
			a.store(token, ttl)
			return token, nil
		}
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", a.clientID)
	form.Set("client_secret", a.clientSecret)

	if err := a.limiter.Wait(ctx); err != nil {
		return "", a.fail(provider.KindRateLimited, "token", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+tokenPath, strings.NewReader(form.Encode()))
	if err != nil {
		return "", a.fail(provider.KindAuth, "token", fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", a.fail(provider.KindNetwork, "token", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		kind := provider.KindAuth
		if resp.StatusCode >= 500 {
			kind = provider.KindNetwork
		}
		return "", a.fail(kind, "token", fmt.Errorf("status %d", resp.StatusCode))
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", a.fail(provider.KindMalformedResponse, "token", fmt.Errorf("decode token: %w", err))
	}
	if tr.AccessToken == "" {
		return "", a.fail(provider.KindMalformedResponse, "token", fmt.Errorf("empty access token"))
	}

	ttl := time.Duration(tr.ExpiresIn)*time.Second - tokenSkew
	if ttl <= 0 {
		ttl = time.Duration(tr.ExpiresIn) * time.Second
	}
	a.store(tr.AccessToken, ttl)

	if a.cache != nil {
		if err := a.cache.Set(ctx, string(a.name), tr.AccessToken, ttl); err != nil {
			a.logger.Warn("Token cache write failed", zap.Error(err))
		}
	}

	a.logger.Debug("Vendor token refreshed", zap.Duration("ttl", ttl))
	return tr.AccessToken, nil
}

func (a *Adapter) store(token string, ttl time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.token = token
	a.expiry = a.now().Add(ttl)
}

// invalidate drops token locally and in the shared cache, unless a newer one replaced it.
func (a *Adapter) invalidate(ctx context.Context, token string) {
	a.mu.Lock()
	if a.token == token {
		a.token = ""
		a.expiry = time.Time{}
	}
	a.mu.Unlock()

	if a.cache != nil {
		if err := a.cache.Delete(ctx, string(a.name)); err != nil {
			a.logger.Warn("Token cache delete failed", zap.Error(err))
		}
	}
}
