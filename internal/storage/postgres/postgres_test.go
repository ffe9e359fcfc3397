package postgres_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/makkenzo/key-fulfillment-service/internal/config"
	"github.com/makkenzo/key-fulfillment-service/internal/domain/digitalkey"
	"github.com/makkenzo/key-fulfillment-service/internal/domain/job"
	"github.com/makkenzo/key-fulfillment-service/internal/ierr"
	"github.com/makkenzo/key-fulfillment-service/internal/storage/postgres"
	"github.com/makkenzo/key-fulfillment-service/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// Runs against a real database only when DATABASE_URL is set.
func newRepos(t *testing.T) (*postgres.DigitalKeyRepository, *postgres.JobRepository) {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}

	ctx := context.Background()
	logger := zap.NewNop()
	pool, err := postgres.NewPgxPool(ctx, &config.DatabaseConfig{
		URL:             url,
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Minute,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, postgres.Migrate(ctx, pool, logger))

	sealer, err := util.NewKeySealer("integration-secret", "integration-salt")
	require.NoError(t, err)
	return postgres.NewDigitalKeyRepository(pool, sealer, logger), postgres.NewJobRepository(pool, logger)
}

// seed stores n available keys under a product id unique to this test run.
func seed(t *testing.T, keys *postgres.DigitalKeyRepository, n int) (string, []*digitalkey.DigitalKey) {
	t.Helper()
	product := "it-" + uuid.NewString()
	batch := make([]*digitalkey.DigitalKey, n)
	for i := range batch {
		batch[i] = &digitalkey.DigitalKey{KeyCode: uuid.NewString(), ProductID: product}
	}
	created, err := keys.BulkCreate(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, created, n)
	return product, created
}

func TestDigitalKeyRepositoryClaim(t *testing.T) {
	keys, _ := newRepos(t)
	ctx := context.Background()

	t.Run("only one concurrent claim wins", func(t *testing.T) {
		_, created := seed(t, keys, 1)
		id := created[0].ID

		const racers = 8
		var (
			wg     sync.WaitGroup
			mu     sync.Mutex
			wins   int
			losses int
		)
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := keys.Claim(ctx, id, digitalkey.Binding{OrderID: uuid.NewString(), CustomerID: "c"})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case errors.Is(err, ierr.ErrAlreadyClaimed):
					losses++
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, wins)
		assert.Equal(t, racers-1, losses)
	})

	t.Run("release clears the binding", func(t *testing.T) {
		product, created := seed(t, keys, 1)
		id := created[0].ID

		claimed, err := keys.Claim(ctx, id, digitalkey.Binding{OrderID: "o-1", CustomerID: "c-1", LineItemID: "li-1"})
		require.NoError(t, err)
		assert.Equal(t, digitalkey.StatusAssigned, claimed.Status)
		assert.Equal(t, "o-1", claimed.OrderID.String)

		released, err := keys.Release(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, digitalkey.StatusAvailable, released.Status)
		assert.False(t, released.OrderID.Valid)
		assert.False(t, released.CustomerID.Valid)
		assert.False(t, released.LineItemID.Valid)
		assert.False(t, released.AssignedAt.Valid)

		_, err = keys.Release(ctx, id)
		assert.NoError(t, err)

		n, err := keys.CountAvailable(ctx, product, "")
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)
	})

	t.Run("delivered key cannot be released", func(t *testing.T) {
		_, created := seed(t, keys, 1)
		id := created[0].ID

		_, err := keys.Claim(ctx, id, digitalkey.Binding{OrderID: "o-2"})
		require.NoError(t, err)
		_, err = keys.MarkDelivered(ctx, id)
		require.NoError(t, err)

		_, err = keys.Release(ctx, id)
		assert.ErrorIs(t, err, ierr.ErrInvalidTransition)
	})

	t.Run("find available honours the exclude list", func(t *testing.T) {
		product, created := seed(t, keys, 2)

		first, err := keys.FindAvailable(ctx, product, "", nil)
		require.NoError(t, err)

		second, err := keys.FindAvailable(ctx, product, "", []uuid.UUID{first.ID})
		require.NoError(t, err)
		assert.NotEqual(t, first.ID, second.ID)

		_, err = keys.FindAvailable(ctx, product, "", []uuid.UUID{created[0].ID, created[1].ID})
		assert.ErrorIs(t, err, ierr.ErrNotFound)
	})
}

func TestJobRepositoryCreateConflict(t *testing.T) {
	_, jobs := newRepos(t)
	ctx := context.Background()

	id := uuid.New()
	_, err := jobs.Create(ctx, &job.Job{ID: id, Type: job.TypeSync, Payload: []byte(`{}`), MaxAttempts: 4})
	require.NoError(t, err)

	_, err = jobs.Create(ctx, &job.Job{ID: id, Type: job.TypeSync, Payload: []byte(`{}`), MaxAttempts: 4})
	assert.ErrorIs(t, err, ierr.ErrConflict)
}
