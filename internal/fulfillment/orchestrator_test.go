package fulfillment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/makkenzo/key-fulfillment-service/internal/allocator"
	"github.com/makkenzo/key-fulfillment-service/internal/domain/digitalkey"
	"github.com/makkenzo/key-fulfillment-service/internal/ierr"
	"github.com/makkenzo/key-fulfillment-service/internal/notifier"
	"github.com/makkenzo/key-fulfillment-service/internal/provider"
	"github.com/makkenzo/key-fulfillment-service/internal/provider/providertest"
	"github.com/makkenzo/key-fulfillment-service/internal/saga"
	"github.com/makkenzo/key-fulfillment-service/internal/storage/memstorage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingNotifier struct {
	mu   sync.Mutex
	fail error
	sent []notifier.Message
}

func (n *recordingNotifier) Send(_ context.Context, msg notifier.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail != nil {
		return n.fail
	}
	n.sent = append(n.sent, msg)
	return nil
}

func (n *recordingNotifier) setFail(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fail = err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

type fixture struct {
	keys     *memstorage.DigitalKeyRepository
	locker   *memstorage.OrderLocker
	notifier *recordingNotifier
	orch     *Orchestrator
}

func newFixture(adapters ...provider.Adapter) *fixture {
	logger := zap.NewNop()
	f := &fixture{
		keys:     memstorage.NewDigitalKeyRepository(),
		locker:   memstorage.NewOrderLocker(),
		notifier: &recordingNotifier{},
	}
	f.orch = New(Config{
		LockTTL:        time.Minute,
		NotifyChannel:  "email",
		NotifyTemplate: "digital-keys-delivered",
	}, Dependencies{
		Keys:      f.keys,
		Allocator: allocator.New(f.keys, 3, logger),
		Providers: provider.NewChain(logger, adapters...),
		Notifier:  f.notifier,
		Locker:    f.locker,
		Runner:    saga.NewRunner(time.Second, logger),
	}, logger)
	return f
}

func (f *fixture) seed(t *testing.T, product string, codes ...string) []*digitalkey.DigitalKey {
	t.Helper()
	in := make([]*digitalkey.DigitalKey, len(codes))
	for i, c := range codes {
		in[i] = &digitalkey.DigitalKey{KeyCode: c, ProductID: product, SKU: product, Provider: digitalkey.ProviderManual}
	}
	created, err := f.keys.BulkCreate(context.Background(), in)
	require.NoError(t, err)
	return created
}

// heldBy returns the keys bound to the order in any non-available state.
func (f *fixture) heldBy(t *testing.T, orderID string) []*digitalkey.DigitalKey {
	t.Helper()
	keys, err := f.keys.FindByOrder(context.Background(), orderID)
	require.NoError(t, err)
	var held []*digitalkey.DigitalKey
	for _, k := range keys {
		if k.Status != digitalkey.StatusAvailable {
			held = append(held, k)
		}
	}
	return held
}

func order(id string, items ...Item) *Request {
	return &Request{OrderID: id, CustomerID: "cust-" + id, Recipient: "buyer@example.com", Items: items}
}

func item(line, product string, qty int) Item {
	return Item{LineItemID: line, ProductID: product, Quantity: qty}
}

func assertAllDelivered(t *testing.T, keys []*digitalkey.DigitalKey, n int) {
	t.Helper()
	require.Len(t, keys, n)
	for _, k := range keys {
		assert.Equal(t, digitalkey.StatusDelivered, k.Status)
		assert.True(t, k.DeliveredAt.Valid)
	}
}

func TestFulfillFromInventory(t *testing.T) {
	ctx := context.Background()
	vendor := providertest.New("vendor_a")
	f := newFixture(vendor)
	f.seed(t, "P", "K-1", "K-2", "K-3")

	res, err := f.orch.Fulfill(ctx, order("o1", item("li1", "P", 2)))
	require.NoError(t, err)
	assert.Equal(t, 2, res.FromInventory)
	assert.Zero(t, res.FromProviders)
	assert.Zero(t, vendor.Calls())

	assertAllDelivered(t, f.heldBy(t, "o1"), 2)
	require.Equal(t, 1, f.notifier.count())
	msg := f.notifier.sent[0]
	assert.Equal(t, "buyer@example.com", msg.To)
	assert.Equal(t, "o1", msg.Data.OrderID)
	assert.Len(t, msg.Data.Keys, 2)
	assert.Equal(t, "K-1", msg.Data.Keys[0].Code)

	left, err := f.keys.CountAvailable(ctx, "P", "")
	require.NoError(t, err)
	assert.EqualValues(t, 1, left)
}

func TestFulfillFallsBackToSecondProvider(t *testing.T) {
	a := providertest.Failing("vendor_a", provider.KindOutOfStock)
	b := providertest.New("vendor_b")
	c := providertest.New("vendor_c")
	f := newFixture(a, b, c)

	res, err := f.orch.Fulfill(context.Background(), order("o1", item("li1", "P", 2)))
	require.NoError(t, err)
	assert.Equal(t, 2, res.FromProviders)

	held := f.heldBy(t, "o1")
	assertAllDelivered(t, held, 2)
	for _, k := range held {
		assert.EqualValues(t, "vendor_b", k.Provider)
		assert.Equal(t, "li1", k.LineItemID.String)
	}
	assert.Equal(t, 2, a.Calls())
	assert.Equal(t, 2, b.Fetched())
	assert.Zero(t, c.Calls())
}

func TestFulfillProvidersExhaustedCompensates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(
		providertest.Failing("vendor_a", provider.KindNetwork),
		providertest.Failing("vendor_b", provider.KindAuth),
	)
	seeded := f.seed(t, "P", "K-1")

	res, err := f.orch.Fulfill(ctx, order("o1", item("li1", "P", 3)))
	assert.Nil(t, res)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ierr.ErrFulfillmentFailed))
	assert.True(t, errors.Is(err, ierr.ErrProvidersExhausted))

	var fe *Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, stepFetch, fe.Step)
	assert.True(t, fe.Compensated)

	assert.Empty(t, f.heldBy(t, "o1"))
	k, err := f.keys.FindByID(ctx, seeded[0].ID)
	require.NoError(t, err)
	assert.Equal(t, digitalkey.StatusAvailable, k.Status)
	assert.False(t, k.OrderID.Valid)
	assert.False(t, k.CustomerID.Valid)
	assert.False(t, k.AssignedAt.Valid)
	assert.Zero(t, f.notifier.count())

	// The released key is immediately available to another order.
	other, err := f.orch.Fulfill(ctx, order("o2", item("li1", "P", 1)))
	require.NoError(t, err)
	require.Len(t, other.KeyIDs, 1)
	assert.Equal(t, seeded[0].ID, other.KeyIDs[0])
}

func TestFulfillIsAtomicAcrossLineItems(t *testing.T) {
	vendor := providertest.New("vendor_a")
	vendor.FailSKUs = map[string]provider.Kind{"Q": provider.KindOutOfStock}
	f := newFixture(vendor)

	_, err := f.orch.Fulfill(context.Background(), order("o1", item("li1", "P", 1), item("li2", "Q", 1)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ierr.ErrFulfillmentFailed))
	assert.Empty(t, f.heldBy(t, "o1"))

	// The key bought for li1 is kept as inventory rather than lost.
	left, err := f.keys.CountAvailable(context.Background(), "P", "")
	require.NoError(t, err)
	assert.EqualValues(t, 1, left)
	assert.Equal(t, 1, vendor.Fetched())
}

func TestFulfillIsIdempotent(t *testing.T) {
	ctx := context.Background()
	vendor := providertest.New("vendor_a")
	f := newFixture(vendor)
	f.seed(t, "P", "K-1")
	req := order("o1", item("li1", "P", 2))

	first, err := f.orch.Fulfill(ctx, req)
	require.NoError(t, err)

	second, err := f.orch.Fulfill(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.AlreadyFulfilled)
	assert.ElementsMatch(t, first.KeyIDs, second.KeyIDs)

	assert.Equal(t, 1, f.notifier.count())
	assert.Equal(t, 1, vendor.Fetched())
	assertAllDelivered(t, f.heldBy(t, "o1"), 2)
}

func TestFulfillNotificationFailureRetainsKeys(t *testing.T) {
	ctx := context.Background()
	vendor := providertest.New("vendor_a")
	f := newFixture(vendor)
	f.seed(t, "P", "K-1")
	req := order("o1", item("li1", "P", 2))
	f.notifier.setFail(errors.New("smtp down"))

	_, err := f.orch.Fulfill(ctx, req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ierr.ErrNotification))
	assert.False(t, errors.Is(err, ierr.ErrFulfillmentFailed))

	var fe *Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, stepDeliver, fe.Step)
	assert.False(t, fe.Compensated)

	held := f.heldBy(t, "o1")
	require.Len(t, held, 2)
	for _, k := range held {
		assert.Equal(t, digitalkey.StatusAssigned, k.Status)
	}

	f.notifier.setFail(nil)
	res, err := f.orch.Fulfill(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Resumed)
	assert.Equal(t, 1, vendor.Fetched())
	assertAllDelivered(t, f.heldBy(t, "o1"), 2)
	assert.Equal(t, 1, f.notifier.count())
}

func TestFulfillFinalAttemptReleasesKeys(t *testing.T) {
	ctx := context.Background()
	f := newFixture(providertest.New("vendor_a"))
	f.seed(t, "P", "K-1", "K-2")
	f.notifier.setFail(errors.New("smtp down"))

	_, err := f.orch.Fulfill(ctx, order("o1", item("li1", "P", 2)), WithFinalAttempt(true))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ierr.ErrFulfillmentFailed))

	var fe *Error
	require.True(t, errors.As(err, &fe))
	assert.True(t, fe.Compensated)
	assert.Empty(t, f.heldBy(t, "o1"))

	left, err := f.keys.CountAvailable(ctx, "P", "")
	require.NoError(t, err)
	assert.EqualValues(t, 2, left)
}

func TestFulfillFinalAttemptAfterResumeReleasesKeys(t *testing.T) {
	ctx := context.Background()
	f := newFixture(providertest.New("vendor_a"))
	f.seed(t, "P", "K-1")
	req := order("o1", item("li1", "P", 1))
	f.notifier.setFail(errors.New("smtp down"))

	_, err := f.orch.Fulfill(ctx, req)
	require.Error(t, err)
	require.Len(t, f.heldBy(t, "o1"), 1)

	_, err = f.orch.Fulfill(ctx, req, WithFinalAttempt(true))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ierr.ErrFulfillmentFailed))
	assert.Empty(t, f.heldBy(t, "o1"))
}

func TestFulfillReleasesStalePartialAssignment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(providertest.Failing("vendor_a", provider.KindOutOfStock))
	seeded := f.seed(t, "P", "K-1", "K-2")

	// A crashed attempt left one of two units claimed.
	_, err := f.keys.Claim(ctx, seeded[1].ID, digitalkey.Binding{OrderID: "o1", CustomerID: "cust-o1", LineItemID: "li1"})
	require.NoError(t, err)

	res, err := f.orch.Fulfill(ctx, order("o1", item("li1", "P", 2)))
	require.NoError(t, err)
	assert.Equal(t, 2, res.FromInventory)
	assertAllDelivered(t, f.heldBy(t, "o1"), 2)
}

func TestFulfillRejectsMismatchedDeliveredOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(providertest.New("vendor_a"))
	f.seed(t, "P", "K-1", "K-2")

	_, err := f.orch.Fulfill(ctx, order("o1", item("li1", "P", 1)))
	require.NoError(t, err)

	_, err = f.orch.Fulfill(ctx, order("o1", item("li1", "P", 2)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ierr.ErrConflict))
	assert.True(t, errors.Is(err, ierr.ErrFulfillmentFailed))
}

func TestFulfillRespectsOrderLock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(providertest.New("vendor_a"))

	unlock, err := f.locker.Lock(ctx, "o1", time.Minute)
	require.NoError(t, err)

	_, err = f.orch.Fulfill(ctx, order("o1", item("li1", "P", 1)))
	assert.True(t, errors.Is(err, ierr.ErrOrderLocked))

	require.NoError(t, unlock(ctx))
	_, err = f.orch.Fulfill(ctx, order("o1", item("li1", "P", 1)))
	assert.NoError(t, err)
}

func TestFulfillValidatesRequest(t *testing.T) {
	f := newFixture()
	tests := []struct {
		name string
		req  *Request
	}{
		{"no items", order("o1")},
		{"zero quantity", order("o1", item("li1", "P", 0))},
		{"missing product", order("o1", item("li1", "", 1))},
		{"duplicate line item", order("o1", item("li1", "P", 1), item("li1", "Q", 1))},
		{"missing order", &Request{CustomerID: "c", Recipient: "r", Items: []Item{item("li1", "P", 1)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.orch.Fulfill(context.Background(), tt.req)
			assert.True(t, errors.Is(err, ierr.ErrValidation))
		})
	}
}

// One key in stock, two concurrent orders for it.
func TestConcurrentOrdersNeverShareAKey(t *testing.T) {
	t.Run("loser falls through to provider", func(t *testing.T) {
		f := newFixture(providertest.New("vendor_a"))
		k1 := f.seed(t, "P", "K-1")[0]

		results := runConcurrently(f, "o1", "o2")
		require.NoError(t, results["o1"])
		require.NoError(t, results["o2"])

		var holders int
		for _, id := range []string{"o1", "o2"} {
			held := f.heldBy(t, id)
			assertAllDelivered(t, held, 1)
			if held[0].ID == k1.ID {
				holders++
			}
		}
		assert.Equal(t, 1, holders)
	})

	t.Run("loser fails when providers are exhausted", func(t *testing.T) {
		f := newFixture(providertest.Failing("vendor_a", provider.KindOutOfStock))
		k1 := f.seed(t, "P", "K-1")[0]

		results := runConcurrently(f, "o1", "o2")

		var winners int
		for _, id := range []string{"o1", "o2"} {
			if results[id] == nil {
				winners++
				held := f.heldBy(t, id)
				assertAllDelivered(t, held, 1)
				assert.Equal(t, k1.ID, held[0].ID)
				continue
			}
			assert.True(t, errors.Is(results[id], ierr.ErrFulfillmentFailed))
			assert.Empty(t, f.heldBy(t, id))
		}
		assert.Equal(t, 1, winners)
	})
}

func runConcurrently(f *fixture, orders ...string) map[string]error {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[string]error, len(orders))
	)
	start := make(chan struct{})
	for _, id := range orders {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			<-start
			_, err := f.orch.Fulfill(context.Background(), order(id, item("li1", "P", 1)))
			mu.Lock()
			results[id] = err
			mu.Unlock()
		}(id)
	}
	close(start)
	wg.Wait()
	return results
}
