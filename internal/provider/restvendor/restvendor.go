// Package restvendor is a provider.Adapter for vendors exposing the common
// client-credentials REST shape: a token endpoint, an order endpoint that returns
// purchased keys, and a product catalogue lookup.
package restvendor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/makkenzo/key-fulfillment-service/internal/config"
	"github.com/makkenzo/key-fulfillment-service/internal/domain/digitalkey"
	"github.com/makkenzo/key-fulfillment-service/internal/ierr"
	"github.com/makkenzo/key-fulfillment-service/internal/provider"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	tokenPath    = "/oauth/token"
	ordersPath   = "/v1/orders"
	productsPath = "/v1/products/"

	defaultTimeout = 15 * time.Second
	tokenSkew      = 30 * time.Second
	maxBodyBytes   = 1 << 20
)

// TokenCache shares access tokens between processes. Get returns "" on a miss,
// otherwise the token and how long the entry has left.
type TokenCache interface {
	Get(ctx context.Context, provider string) (string, time.Duration, error)
	Set(ctx context.Context, provider, token string, ttl time.Duration) error
	Delete(ctx context.Context, provider string) error
}

type Adapter struct {
	name         digitalkey.Provider
	baseURL      string
	clientID     string
	clientSecret string
	client       *http.Client
	limiter      *rate.Limiter
	cache        TokenCache
	logger       *zap.Logger

	tokens singleflight.Group
	mu     sync.Mutex
	token  string
	expiry time.Time
	now    func() time.Time
}

var _ provider.Adapter = (*Adapter)(nil)

// New builds an adapter from its config entry. cache may be nil.
func New(cfg config.ProviderConfig, cache TokenCache, logger *zap.Logger) *Adapter {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Adapter{
		name:         digitalkey.Provider(cfg.Name),
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		client:       &http.Client{Timeout: timeout},
		limiter:      rate.NewLimiter(limit, burst),
		cache:        cache,
		logger:       logger.Named("RestVendor").With(zap.String("provider", cfg.Name)),
		now:          time.Now,
	}
}

func (a *Adapter) Name() digitalkey.Provider { return a.name }

type orderRequest struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

type orderResponse struct {
	OrderID string `json:"order_id"`
	Keys    []struct {
		Code     string `json:"code"`
		Platform string `json:"platform"`
		Region   string `json:"region"`
	} `json:"keys"`
}

type vendorError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (a *Adapter) FetchKey(ctx context.Context, sku string) (*provider.FetchedKey, error) {
	body, err := json.Marshal(orderRequest{SKU: sku, Quantity: 1})
	if err != nil {
		return nil, a.fail(provider.KindMalformedResponse, "fetch key", err)
	}

	status, payload, err := a.do(ctx, http.MethodPost, ordersPath, body)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusOK || status == http.StatusCreated:
	case status == http.StatusNotFound || status == http.StatusConflict || status == http.StatusGone:
		return nil, a.fail(provider.KindOutOfStock, "fetch key", vendorMessage(status, payload))
	default:
		return nil, a.statusError("fetch key", status, payload)
	}

	var resp orderResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, a.fail(provider.KindMalformedResponse, "fetch key", fmt.Errorf("decode order: %w", err))
	}
	if len(resp.Keys) != 1 || strings.TrimSpace(resp.Keys[0].Code) == "" {
		// The vendor may have charged us; reconciliation needs the vendor order id.
		a.logger.Error("Vendor order returned unusable keys",
			zap.String("sku", sku),
			zap.String("vendor_order_id", resp.OrderID),
			zap.Int("keys", len(resp.Keys)),
		)
		return nil, a.fail(provider.KindMalformedResponse, "fetch key", fmt.Errorf("expected 1 key, got %d", len(resp.Keys)))
	}

	k := resp.Keys[0]
	a.logger.Info("Key purchased from vendor",
		zap.String("sku", sku),
		zap.String("vendor_order_id", resp.OrderID),
	)
	return &provider.FetchedKey{Code: k.Code, Platform: k.Platform, Region: k.Region}, nil
}

func (a *Adapter) CheckAvailability(ctx context.Context, sku string) (bool, error) {
	info, err := a.GetProductInfo(ctx, sku)
	if errors.Is(err, ierr.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.InStock, nil
}

func (a *Adapter) GetProductInfo(ctx context.Context, sku string) (*provider.ProductInfo, error) {
	status, payload, err := a.do(ctx, http.MethodGet, productsPath+url.PathEscape(sku), nil)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: product %s at %s", ierr.ErrNotFound, sku, a.name)
	default:
		return nil, a.statusError("product info", status, payload)
	}

	var info provider.ProductInfo
	if err := json.Unmarshal(payload, &info); err != nil {
		return nil, a.fail(provider.KindMalformedResponse, "product info", fmt.Errorf("decode product: %w", err))
	}
	if info.SKU == "" {
		info.SKU = sku
	}
	return &info, nil
}

// do sends an authorized request. A 401 drops the token and retries once with a fresh one.
func (a *Adapter) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	for attempt := 0; ; attempt++ {
		token, err := a.accessToken(ctx)
		if err != nil {
			return 0, nil, err
		}

		status, payload, err := a.send(ctx, method, path, body, token)
		if err != nil {
			return 0, nil, err
		}
		if status == http.StatusUnauthorized && attempt == 0 {
			a.logger.Info("Vendor rejected token, refreshing")
			a.invalidate(ctx, token)
			continue
		}
		if status == http.StatusUnauthorized {
			return 0, nil, a.fail(provider.KindAuth, path, vendorMessage(status, payload))
		}
		return status, payload, nil
	}
}

func (a *Adapter) send(ctx context.Context, method, path string, body []byte, token string) (int, []byte, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return 0, nil, a.fail(provider.KindRateLimited, path, err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return 0, nil, a.fail(provider.KindNetwork, path, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return 0, nil, a.fail(provider.KindNetwork, path, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, a.fail(provider.KindNetwork, path, fmt.Errorf("failed to read response body: %w", err))
	}
	return resp.StatusCode, payload, nil
}

func (a *Adapter) statusError(op string, status int, payload []byte) error {
	cause := vendorMessage(status, payload)
	switch {
	case status == http.StatusTooManyRequests:
		return a.fail(provider.KindRateLimited, op, cause)
	case status == http.StatusForbidden:
		return a.fail(provider.KindAuth, op, cause)
	case status >= 500:
		return a.fail(provider.KindNetwork, op, cause)
	default:
		return a.fail(provider.KindMalformedResponse, op, cause)
	}
}

func (a *Adapter) fail(kind provider.Kind, op string, err error) error {
	return provider.NewError(a.name, kind, op, err)
}

func vendorMessage(status int, payload []byte) error {
	var ve vendorError
	if json.Unmarshal(payload, &ve) == nil && ve.Message != "" {
		return fmt.Errorf("status %d: %s", status, ve.Message)
	}
	return fmt.Errorf("status %d", status)
}
