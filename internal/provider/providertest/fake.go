// Package providertest provides an in-memory provider.Adapter for tests.
package providertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/makkenzo/key-fulfillment-service/internal/domain/digitalkey"
	"github.com/makkenzo/key-fulfillment-service/internal/ierr"
	"github.com/makkenzo/key-fulfillment-service/internal/provider"
)

// Adapter hands out generated codes. FailKind fails every fetch, FailSKUs only the
// listed SKUs.
type Adapter struct {
	ProviderName digitalkey.Provider
	FailKind     provider.Kind
	FailSKUs     map[string]provider.Kind
	Platform     string
	Region       string
	Products     map[string]*provider.ProductInfo

	mu      sync.Mutex
	calls   int
	counter int
}

func New(name digitalkey.Provider) *Adapter {
	return &Adapter{ProviderName: name, Platform: "pc", Region: "global"}
}

func Failing(name digitalkey.Provider, kind provider.Kind) *Adapter {
	a := New(name)
	a.FailKind = kind
	return a
}

func (a *Adapter) Name() digitalkey.Provider { return a.ProviderName }

func (a *Adapter) FetchKey(ctx context.Context, sku string) (*provider.FetchedKey, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.FailKind != "" {
		return nil, provider.NewError(a.ProviderName, a.FailKind, "fetch key", nil)
	}
	if kind, ok := a.FailSKUs[sku]; ok {
		return nil, provider.NewError(a.ProviderName, kind, "fetch key", nil)
	}
	a.counter++
	return &provider.FetchedKey{
		Code:     fmt.Sprintf("%s-%s-%04d", a.ProviderName, sku, a.counter),
		Platform: a.Platform,
		Region:   a.Region,
	}, nil
}

func (a *Adapter) CheckAvailability(ctx context.Context, sku string) (bool, error) {
	if a.FailKind != "" {
		return false, provider.NewError(a.ProviderName, a.FailKind, "check availability", nil)
	}
	return true, nil
}

func (a *Adapter) GetProductInfo(ctx context.Context, sku string) (*provider.ProductInfo, error) {
	if info, ok := a.Products[sku]; ok {
		return info, nil
	}
	return nil, fmt.Errorf("%w: sku %s", ierr.ErrNotFound, sku)
}

// Calls reports how many FetchKey calls were made.
func (a *Adapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// Fetched reports how many keys were handed out.
func (a *Adapter) Fetched() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counter
}
