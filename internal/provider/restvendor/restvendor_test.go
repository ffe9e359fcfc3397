package restvendor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/makkenzo/key-fulfillment-service/internal/config"
	"github.com/makkenzo/key-fulfillment-service/internal/ierr"
	"github.com/makkenzo/key-fulfillment-service/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeVendor struct {
	tokenCalls  atomic.Int32
	orderCalls  atomic.Int32
	rejectOnce  atomic.Bool
	orderStatus int
	orderBody   string
	issued      atomic.Int32
}

func (v *fakeVendor) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.Form.Get("client_id") != "id" || r.Form.Get("client_secret") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		n := v.tokenCalls.Add(1)
		_ = json.NewEncoder(w).Encode(tokenResponse{AccessToken: fmt.Sprintf("tok-%d", n), ExpiresIn: 3600})
	})
	mux.HandleFunc("/v1/orders", func(w http.ResponseWriter, r *http.Request) {
		v.orderCalls.Add(1)
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer tok-") || v.rejectOnce.CompareAndSwap(true, false) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if v.orderStatus != 0 {
			w.WriteHeader(v.orderStatus)
			_, _ = w.Write([]byte(v.orderBody))
			return
		}
		var req orderRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		n := v.issued.Add(1)
		fmt.Fprintf(w, `{"order_id":"vo-%d","keys":[{"code":"%s-%d","platform":"steam","region":"eu"}]}`, n, req.SKU, n)
	})
	mux.HandleFunc("/v1/products/", func(w http.ResponseWriter, r *http.Request) {
		sku := strings.TrimPrefix(r.URL.Path, "/v1/products/")
		if sku != "GAME-1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"sku":"GAME-1","name":"Game One","in_stock":true,"price":9.99,"currency":"EUR"}`))
	})
	return mux
}

func newTestAdapter(t *testing.T, v *fakeVendor, cache TokenCache) *Adapter {
	t.Helper()
	srv := httptest.NewServer(v.handler())
	t.Cleanup(srv.Close)
	return New(config.ProviderConfig{
		Name:         "vendor_a",
		BaseURL:      srv.URL + "/",
		ClientID:     "id",
		ClientSecret: "secret",
		Timeout:      5 * time.Second,
	}, cache, zap.NewNop())
}

type cacheEntry struct {
	token   string
	expires time.Time
}

type mapCache struct {
	mu  sync.Mutex
	m   map[string]cacheEntry
	now func() time.Time
}

func newMapCache(now func() time.Time) *mapCache {
	return &mapCache{m: map[string]cacheEntry{}, now: now}
}

func (c *mapCache) Get(_ context.Context, p string) (string, time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[p]
	if !ok {
		return "", 0, nil
	}
	left := e.expires.Sub(c.now())
	if left <= 0 {
		delete(c.m, p)
		return "", 0, nil
	}
	return e.token, left, nil
}

func (c *mapCache) Set(_ context.Context, p, token string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[p] = cacheEntry{token: token, expires: c.now().Add(ttl)}
	return nil
}

func (c *mapCache) Delete(_ context.Context, p string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, p)
	return nil
}

func TestFetchKey(t *testing.T) {
	ctx := context.Background()

	t.Run("returns one key and reuses token", func(t *testing.T) {
		v := &fakeVendor{}
		a := newTestAdapter(t, v, nil)

		k1, err := a.FetchKey(ctx, "GAME-1")
		require.NoError(t, err)
		assert.Equal(t, "GAME-1-1", k1.Code)
		assert.Equal(t, "steam", k1.Platform)
		assert.Equal(t, "eu", k1.Region)

		_, err = a.FetchKey(ctx, "GAME-1")
		require.NoError(t, err)
		assert.EqualValues(t, 1, v.tokenCalls.Load())
	})

	t.Run("refreshes token after 401", func(t *testing.T) {
		v := &fakeVendor{}
		a := newTestAdapter(t, v, nil)
		_, err := a.FetchKey(ctx, "GAME-1")
		require.NoError(t, err)

		v.rejectOnce.Store(true)
		_, err = a.FetchKey(ctx, "GAME-1")
		require.NoError(t, err)
		assert.EqualValues(t, 2, v.tokenCalls.Load())
	})

	t.Run("concurrent callers share one token fetch", func(t *testing.T) {
		v := &fakeVendor{}
		a := newTestAdapter(t, v, nil)

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := a.FetchKey(ctx, "GAME-1")
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
		assert.LessOrEqual(t, v.tokenCalls.Load(), int32(8))
		assert.EqualValues(t, 8, v.issued.Load())
	})

	t.Run("uses shared token cache", func(t *testing.T) {
		cache := newMapCache(time.Now)
		v := &fakeVendor{}
		first := newTestAdapter(t, v, cache)
		_, err := first.FetchKey(ctx, "GAME-1")
		require.NoError(t, err)
		assert.Equal(t, "tok-1", cache.m["vendor_a"].token)

		second := New(config.ProviderConfig{Name: "vendor_a", BaseURL: first.baseURL, ClientID: "id", ClientSecret: "secret"}, cache, zap.NewNop())
		_, err = second.FetchKey(ctx, "GAME-1")
		require.NoError(t, err)
		assert.EqualValues(t, 1, v.tokenCalls.Load())
	})

	t.Run("cached token expires with its cache entry", func(t *testing.T) {
		clock := time.Now()
		now := func() time.Time { return clock }
		cache := newMapCache(now)
		require.NoError(t, cache.Set(ctx, "vendor_a", "tok-shared", 30*time.Second))

		v := &fakeVendor{}
		a := newTestAdapter(t, v, cache)
		a.now = now

		_, err := a.FetchKey(ctx, "GAME-1")
		require.NoError(t, err)
		assert.EqualValues(t, 0, v.tokenCalls.Load())

		clock = clock.Add(45 * time.Second)
		_, err = a.FetchKey(ctx, "GAME-1")
		require.NoError(t, err)
		assert.EqualValues(t, 1, v.tokenCalls.Load())
		assert.EqualValues(t, 2, v.orderCalls.Load())
	})

	tests := []struct {
		name   string
		status int
		body   string
		kind   provider.Kind
	}{
		{"out of stock", http.StatusConflict, `{"code":"out_of_stock","message":"sold out"}`, provider.KindOutOfStock},
		{"rate limited", http.StatusTooManyRequests, ``, provider.KindRateLimited},
		{"server error", http.StatusBadGateway, ``, provider.KindNetwork},
		{"malformed body", http.StatusOK, `{"keys":`, provider.KindMalformedResponse},
		{"no keys", http.StatusOK, `{"order_id":"vo-9","keys":[]}`, provider.KindMalformedResponse},
		{"forbidden", http.StatusForbidden, ``, provider.KindAuth},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := &fakeVendor{orderStatus: tt.status, orderBody: tt.body}
			a := newTestAdapter(t, v, nil)

			key, err := a.FetchKey(ctx, "GAME-1")
			assert.Nil(t, key)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ierr.ErrProvider))
			assert.Equal(t, tt.kind, provider.KindOf(err))
		})
	}

	t.Run("bad credentials are an auth error", func(t *testing.T) {
		v := &fakeVendor{}
		a := newTestAdapter(t, v, nil)
		a.clientSecret = "wrong"

		_, err := a.FetchKey(ctx, "GAME-1")
		assert.Equal(t, provider.KindAuth, provider.KindOf(err))
		assert.Zero(t, v.orderCalls.Load())
	})

	t.Run("unreachable vendor is a network error", func(t *testing.T) {
		a := New(config.ProviderConfig{Name: "down", BaseURL: "http://127.0.0.1:1"}, nil, zap.NewNop())
		_, err := a.FetchKey(ctx, "GAME-1")
		assert.Equal(t, provider.KindNetwork, provider.KindOf(err))
	})
}

func TestProductLookups(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(t, &fakeVendor{}, nil)

	info, err := a.GetProductInfo(ctx, "GAME-1")
	require.NoError(t, err)
	assert.Equal(t, "Game One", info.Name)
	assert.True(t, info.InStock)

	_, err = a.GetProductInfo(ctx, "NOPE")
	assert.True(t, errors.Is(err, ierr.ErrNotFound))

	ok, err := a.CheckAvailability(ctx, "GAME-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = a.CheckAvailability(ctx, "NOPE")
	require.NoError(t, err)
	assert.False(t, ok)
}
