package provider_test

import (
	"context"
	"errors"
	"testing"

	"github.com/makkenzo/key-fulfillment-service/internal/ierr"
	"github.com/makkenzo/key-fulfillment-service/internal/provider"
	"github.com/makkenzo/key-fulfillment-service/internal/provider/providertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type emptyCodeAdapter struct{ *providertest.Adapter }

func (emptyCodeAdapter) FetchKey(context.Context, string) (*provider.FetchedKey, error) {
	return &provider.FetchedKey{Code: "  "}, nil
}

func TestChainFetchKey(t *testing.T) {
	ctx := context.Background()

	t.Run("primary wins", func(t *testing.T) {
		a, b := providertest.New("a"), providertest.New("b")
		chain := provider.NewChain(zap.NewNop(), a, b)

		key, from, err := chain.FetchKey(ctx, "SKU1")
		require.NoError(t, err)
		assert.EqualValues(t, "a", from)
		assert.NotEmpty(t, key.Code)
		assert.Equal(t, 1, a.Calls())
		assert.Zero(t, b.Calls())
	})

	t.Run("falls back in order", func(t *testing.T) {
		a := providertest.Failing("a", provider.KindOutOfStock)
		b := providertest.New("b")
		c := providertest.New("c")
		chain := provider.NewChain(zap.NewNop(), a, b, c)

		_, from, err := chain.FetchKey(ctx, "SKU1")
		require.NoError(t, err)
		assert.EqualValues(t, "b", from)
		assert.Equal(t, 1, a.Calls())
		assert.Equal(t, 1, b.Calls())
		assert.Zero(t, c.Calls())
	})

	t.Run("exhausted chain keeps every cause", func(t *testing.T) {
		a := providertest.Failing("a", provider.KindAuth)
		b := providertest.Failing("b", provider.KindNetwork)
		chain := provider.NewChain(zap.NewNop(), a, b)

		key, _, err := chain.FetchKey(ctx, "SKU1")
		assert.Nil(t, key)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ierr.ErrProvidersExhausted))
		assert.True(t, errors.Is(err, ierr.ErrProvider))
		assert.Equal(t, provider.KindAuth, provider.KindOf(err))
		assert.Contains(t, err.Error(), "network")
	})

	t.Run("empty code is malformed", func(t *testing.T) {
		bad := emptyCodeAdapter{providertest.New("bad")}
		good := providertest.New("good")
		chain := provider.NewChain(zap.NewNop(), bad, good)

		_, from, err := chain.FetchKey(ctx, "SKU1")
		require.NoError(t, err)
		assert.EqualValues(t, "good", from)
	})

	t.Run("no providers", func(t *testing.T) {
		_, _, err := provider.NewChain(zap.NewNop()).FetchKey(ctx, "SKU1")
		assert.True(t, errors.Is(err, ierr.ErrProvidersExhausted))
	})

	t.Run("cancelled context stops the chain", func(t *testing.T) {
		a := providertest.New("a")
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		_, _, err := provider.NewChain(zap.NewNop(), a).FetchKey(cctx, "SKU1")
		assert.True(t, errors.Is(err, context.Canceled))
		assert.Zero(t, a.Calls())
	})
}

func TestChainLookups(t *testing.T) {
	ctx := context.Background()
	a := providertest.Failing("a", provider.KindNetwork)
	b := providertest.New("b")
	b.Products = map[string]*provider.ProductInfo{"SKU1": {SKU: "SKU1", Name: "Game", InStock: true}}
	chain := provider.NewChain(zap.NewNop(), a, b)

	ok, err := chain.CheckAvailability(ctx, "SKU1")
	require.NoError(t, err)
	assert.True(t, ok)

	info, from, err := chain.GetProductInfo(ctx, "SKU1")
	require.NoError(t, err)
	assert.EqualValues(t, "b", from)
	assert.Equal(t, "Game", info.Name)

	_, _, err = chain.GetProductInfo(ctx, "missing")
	assert.True(t, errors.Is(err, ierr.ErrNotFound))

	_, err = provider.NewChain(zap.NewNop(), a).CheckAvailability(ctx, "SKU1")
	assert.True(t, errors.Is(err, ierr.ErrProvider))
}
