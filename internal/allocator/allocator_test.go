package allocator

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/makkenzo/key-fulfillment-service/internal/domain/digitalkey"
	"github.com/makkenzo/key-fulfillment-service/internal/storage/memstorage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// racingRepo lets a rival order claim every candidate it hands out, up to steal times.
type racingRepo struct {
	*memstorage.DigitalKeyRepository
	mu    sync.Mutex
	steal int
}

func (r *racingRepo) Claim(ctx context.Context, id uuid.UUID, b digitalkey.Binding) (*digitalkey.DigitalKey, error) {
	r.mu.Lock()
	if r.steal > 0 {
		r.steal--
		r.mu.Unlock()
		if _, err := r.DigitalKeyRepository.Claim(ctx, id, digitalkey.Binding{OrderID: "rival"}); err != nil {
			return nil, err
		}
	} else {
		r.mu.Unlock()
	}
	return r.DigitalKeyRepository.Claim(ctx, id, b)
}

func seed(t *testing.T, repo digitalkey.Repository, product string, n int) {
	t.Helper()
	in := make([]*digitalkey.DigitalKey, n)
	for i := range in {
		in[i] = &digitalkey.DigitalKey{KeyCode: uuid.NewString(), ProductID: product, SKU: "SKU-" + product}
	}
	_, err := repo.BulkCreate(context.Background(), in)
	require.NoError(t, err)
}

func TestAllocate(t *testing.T) {
	ctx := context.Background()
	binding := digitalkey.Binding{OrderID: "o1", CustomerID: "c1", LineItemID: "li1"}

	t.Run("full quantity from inventory", func(t *testing.T) {
		repo := memstorage.NewDigitalKeyRepository()
		seed(t, repo, "p1", 3)
		a := New(repo, 3, zap.NewNop())

		res, err := a.Allocate(ctx, Request{ProductID: "p1", Quantity: 2, Binding: binding})
		require.NoError(t, err)
		assert.Len(t, res.Claimed, 2)
		assert.Zero(t, res.Shortfall)
		for _, k := range res.Claimed {
			assert.Equal(t, digitalkey.StatusAssigned, k.Status)
			assert.Equal(t, "o1", k.OrderID.String)
		}

		left, err := repo.CountAvailable(ctx, "p1", "")
		require.NoError(t, err)
		assert.EqualValues(t, 1, left)
	})

	t.Run("empty inventory reports shortfall", func(t *testing.T) {
		repo := memstorage.NewDigitalKeyRepository()
		seed(t, repo, "p1", 1)
		a := New(repo, 3, zap.NewNop())

		res, err := a.Allocate(ctx, Request{ProductID: "p1", Quantity: 4, Binding: binding})
		require.NoError(t, err)
		assert.Len(t, res.Claimed, 1)
		assert.Equal(t, 3, res.Shortfall)
	})

	t.Run("lost race moves to next candidate", func(t *testing.T) {
		repo := &racingRepo{DigitalKeyRepository: memstorage.NewDigitalKeyRepository(), steal: 1}
		seed(t, repo, "p1", 2)
		a := New(repo, 3, zap.NewNop())

		res, err := a.Allocate(ctx, Request{ProductID: "p1", Quantity: 1, Binding: binding})
		require.NoError(t, err)
		require.Len(t, res.Claimed, 1)
		assert.Equal(t, "o1", res.Claimed[0].OrderID.String)
		assert.Zero(t, res.Shortfall)
	})

	t.Run("exhausted attempts count as shortfall", func(t *testing.T) {
		repo := &racingRepo{DigitalKeyRepository: memstorage.NewDigitalKeyRepository(), steal: 2}
		seed(t, repo, "p1", 5)
		a := New(repo, 2, zap.NewNop())

		res, err := a.Allocate(ctx, Request{ProductID: "p1", Quantity: 2, Binding: binding})
		require.NoError(t, err)
		assert.Len(t, res.Claimed, 1)
		assert.Equal(t, 1, res.Shortfall)
	})

	t.Run("rejects non-positive quantity", func(t *testing.T) {
		a := New(memstorage.NewDigitalKeyRepository(), 3, zap.NewNop())
		_, err := a.Allocate(ctx, Request{ProductID: "p1", Quantity: 0})
		assert.Error(t, err)
	})
}

func TestAllocateConcurrentNeverDoubleAssigns(t *testing.T) {
	ctx := context.Background()
	repo := memstorage.NewDigitalKeyRepository()
	seed(t, repo, "p1", 10)
	// More attempts than keys, so a goroutine only gives up once inventory is empty.
	a := New(repo, 11, zap.NewNop())

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed = make(map[uuid.UUID]string)
		total   int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(order string) {
			defer wg.Done()
			res, err := a.Allocate(ctx, Request{ProductID: "p1", Quantity: 1, Binding: digitalkey.Binding{OrderID: order}})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, k := range res.Claimed {
				_, dup := claimed[k.ID]
				assert.False(t, dup, "key %s claimed twice", k.ID)
				claimed[k.ID] = order
				total++
			}
		}(uuid.NewString())
	}
	wg.Wait()

	assert.Equal(t, 10, total)
}
