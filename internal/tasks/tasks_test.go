package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/makkenzo/key-fulfillment-service/internal/allocator"
	"github.com/makkenzo/key-fulfillment-service/internal/config"
	"github.com/makkenzo/key-fulfillment-service/internal/domain/digitalkey"
	"github.com/makkenzo/key-fulfillment-service/internal/domain/job"
	"github.com/makkenzo/key-fulfillment-service/internal/fulfillment"
	"github.com/makkenzo/key-fulfillment-service/internal/importer"
	"github.com/makkenzo/key-fulfillment-service/internal/notifier"
	"github.com/makkenzo/key-fulfillment-service/internal/provider"
	"github.com/makkenzo/key-fulfillment-service/internal/provider/providertest"
	"github.com/makkenzo/key-fulfillment-service/internal/saga"
	"github.com/makkenzo/key-fulfillment-service/internal/storage/memstorage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type flakyNotifier struct {
	mu   sync.Mutex
	fail bool
}

func (n *flakyNotifier) Send(context.Context, notifier.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return errors.New("mail relay unavailable")
	}
	return nil
}

type env struct {
	keys     *memstorage.DigitalKeyRepository
	jobs     *memstorage.JobRepository
	tracker  *Tracker
	notifier *flakyNotifier
	chain    *provider.Chain
	retried  int
	maxRetry int
	taskID   string
}

func newEnv(adapters ...provider.Adapter) *env {
	e := &env{
		keys:     memstorage.NewDigitalKeyRepository(),
		jobs:     memstorage.NewJobRepository(),
		notifier: &flakyNotifier{},
		chain:    provider.NewChain(zap.NewNop(), adapters...),
		maxRetry: 3,
		taskID:   "task-1",
	}
	e.tracker = NewTracker(e.jobs, zap.NewNop())
	e.tracker.retryInfo = func(context.Context) (int, int) { return e.retried, e.maxRetry }
	e.tracker.taskID = func(context.Context) string { return e.taskID }
	return e
}

func (e *env) fulfillmentHandler() *FulfillmentHandler {
	logger := zap.NewNop()
	orch := fulfillment.New(fulfillment.Config{LockTTL: time.Minute}, fulfillment.Dependencies{
		Keys:      e.keys,
		Allocator: allocator.New(e.keys, 3, logger),
		Providers: e.chain,
		Notifier:  e.notifier,
		Locker:    memstorage.NewOrderLocker(),
		Runner:    saga.NewRunner(time.Second, logger),
	}, logger)
	return NewFulfillmentHandler(orch, e.tracker, logger)
}

func (e *env) newJob(t *testing.T, typ job.Type) uuid.UUID {
	t.Helper()
	id, err := e.jobs.Create(context.Background(), &job.Job{Type: typ, MaxAttempts: e.maxRetry + 1})
	require.NoError(t, err)
	return id
}

func (e *env) job(t *testing.T, id uuid.UUID) *job.Job {
	t.Helper()
	j, err := e.jobs.FindByID(context.Background(), id)
	require.NoError(t, err)
	return j
}

func fulfillmentTask(t *testing.T, jobID uuid.UUID, qty int) *asynq.Task {
	t.Helper()
	task, err := NewFulfillmentTask(FulfillmentPayload{
		JobID: jobID,
		Request: fulfillment.Request{
			OrderID:    "o1",
			CustomerID: "c1",
			Recipient:  "buyer@example.com",
			Items:      []fulfillment.Item{{ProductID: "P", Quantity: qty, LineItemID: "li1"}},
		},
	})
	require.NoError(t, err)
	return task
}

func TestFulfillmentHandler(t *testing.T) {
	ctx := context.Background()

	t.Run("completes job with result and progress", func(t *testing.T) {
		e := newEnv(providertest.New("vendor_a"))
		id := e.newJob(t, job.TypeFulfillment)

		require.NoError(t, e.fulfillmentHandler().ProcessTask(ctx, fulfillmentTask(t, id, 2)))

		j := e.job(t, id)
		assert.Equal(t, job.StatusCompleted, j.Status)
		assert.Equal(t, job.Progress{Processed: 2, Total: 2}, j.Progress)
		assert.Equal(t, 1, j.Attempts)

		var res fulfillment.Result
		require.NoError(t, json.Unmarshal(j.Result, &res))
		assert.Len(t, res.KeyIDs, 2)
		assert.Equal(t, 2, res.FromProviders)
	})

	t.Run("notification failure is retried", func(t *testing.T) {
		e := newEnv(providertest.New("vendor_a"))
		e.notifier.fail = true
		id := e.newJob(t, job.TypeFulfillment)

		err := e.fulfillmentHandler().ProcessTask(ctx, fulfillmentTask(t, id, 1))
		require.Error(t, err)
		assert.False(t, errors.Is(err, asynq.SkipRetry))

		j := e.job(t, id)
		assert.Equal(t, job.StatusQueued, j.Status)
		assert.Contains(t, j.Error.String, "mail relay unavailable")
	})

	t.Run("final attempt fails job and releases keys", func(t *testing.T) {
		e := newEnv(providertest.New("vendor_a"))
		e.notifier.fail = true
		e.retried = e.maxRetry
		id := e.newJob(t, job.TypeFulfillment)

		err := e.fulfillmentHandler().ProcessTask(ctx, fulfillmentTask(t, id, 1))
		require.Error(t, err)

		j := e.job(t, id)
		assert.Equal(t, job.StatusFailed, j.Status)
		assert.Equal(t, e.maxRetry+1, j.Attempts)

		held, err := e.keys.FindByOrder(ctx, "o1")
		require.NoError(t, err)
		assert.Empty(t, held)
	})

	t.Run("exhausted providers skip retries", func(t *testing.T) {
		e := newEnv(providertest.Failing("vendor_a", provider.KindOutOfStock))
		id := e.newJob(t, job.TypeFulfillment)

		err := e.fulfillmentHandler().ProcessTask(ctx, fulfillmentTask(t, id, 1))
		require.Error(t, err)
		assert.True(t, errors.Is(err, asynq.SkipRetry))
		assert.Equal(t, job.StatusFailed, e.job(t, id).Status)
	})

	t.Run("malformed payload skips retries", func(t *testing.T) {
		e := newEnv()
		err := e.fulfillmentHandler().ProcessTask(ctx, asynq.NewTask(TypeFulfillment, []byte(`{"job_id":`)))
		assert.True(t, errors.Is(err, asynq.SkipRetry))

		err = e.fulfillmentHandler().ProcessTask(ctx, asynq.NewTask(TypeFulfillment, []byte(`{"job_id":"`+uuid.NewString()+`","request":{}}`)))
		assert.True(t, errors.Is(err, asynq.SkipRetry))
	})
}

func TestSyncHandler(t *testing.T) {
	ctx := context.Background()

	t.Run("tops up to target", func(t *testing.T) {
		e := newEnv(providertest.New("vendor_a"))
		_, err := e.keys.BulkCreate(ctx, []*digitalkey.DigitalKey{{KeyCode: "HAVE-1", ProductID: "P"}})
		require.NoError(t, err)
		id := e.newJob(t, job.TypeSync)

		task, err := NewSyncTask(SyncPayload{JobID: id, Targets: []config.SyncTarget{
			{ProductID: "P", SKU: "SKU-P", Target: 3},
			{ProductID: "Q", Target: 0},
		}})
		require.NoError(t, err)

		h := NewSyncHandler(e.keys, e.chain, e.tracker, zap.NewNop())
		require.NoError(t, h.ProcessTask(ctx, task))

		n, err := e.keys.CountAvailable(ctx, "P", "")
		require.NoError(t, err)
		assert.EqualValues(t, 3, n)

		j := e.job(t, id)
		assert.Equal(t, job.StatusCompleted, j.Status)
		assert.Equal(t, job.Progress{Processed: 2, Total: 2}, j.Progress)

		var res SyncResult
		require.NoError(t, json.Unmarshal(j.Result, &res))
		assert.EqualValues(t, 1, res.Targets[0].Before)
		assert.Equal(t, 2, res.Targets[0].Added)
	})

	t.Run("scheduled run opens its own job", func(t *testing.T) {
		e := newEnv(providertest.New("vendor_a"))
		task, err := NewSyncTask(SyncPayload{Targets: []config.SyncTarget{{ProductID: "P", Target: 1}}})
		require.NoError(t, err)

		h := NewSyncHandler(e.keys, e.chain, e.tracker, zap.NewNop())
		require.NoError(t, h.ProcessTask(ctx, task))

		typ := job.TypeSync
		jobs, total, err := e.jobs.List(ctx, job.ListParams{Type: &typ})
		require.NoError(t, err)
		assert.EqualValues(t, 1, total)
		assert.Equal(t, job.StatusCompleted, jobs[0].Status)
	})

	t.Run("scheduled run keeps one job across retries", func(t *testing.T) {
		e := newEnv(providertest.Failing("vendor_a", provider.KindNetwork))
		task, err := NewSyncTask(SyncPayload{Targets: []config.SyncTarget{{ProductID: "P", Target: 1}}})
		require.NoError(t, err)
		h := NewSyncHandler(e.keys, e.chain, e.tracker, zap.NewNop())

		for e.retried = 0; e.retried <= e.maxRetry; e.retried++ {
			require.Error(t, h.ProcessTask(ctx, task))
		}

		typ := job.TypeSync
		jobs, total, err := e.jobs.List(ctx, job.ListParams{Type: &typ})
		require.NoError(t, err)
		require.EqualValues(t, 1, total)
		assert.Equal(t, job.StatusFailed, jobs[0].Status)
		assert.Equal(t, e.maxRetry+1, jobs[0].Attempts)
		assert.Equal(t, e.maxRetry+1, jobs[0].MaxAttempts)

		unfinished, err := e.jobs.ListUnfinished(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, unfinished)
	})

	t.Run("separate scheduled runs get separate jobs", func(t *testing.T) {
		e := newEnv(providertest.New("vendor_a"))
		task, err := NewSyncTask(SyncPayload{Targets: []config.SyncTarget{{ProductID: "P", Target: 1}}})
		require.NoError(t, err)
		h := NewSyncHandler(e.keys, e.chain, e.tracker, zap.NewNop())

		require.NoError(t, h.ProcessTask(ctx, task))
		e.taskID = "task-2"
		require.NoError(t, h.ProcessTask(ctx, task))

		typ := job.TypeSync
		_, total, err := e.jobs.List(ctx, job.ListParams{Type: &typ})
		require.NoError(t, err)
		assert.EqualValues(t, 2, total)
	})

	t.Run("scheduled run without task id is rejected", func(t *testing.T) {
		e := newEnv(providertest.New("vendor_a"))
		e.taskID = ""
		task, err := NewSyncTask(SyncPayload{Targets: []config.SyncTarget{{ProductID: "P", Target: 1}}})
		require.NoError(t, err)
		h := NewSyncHandler(e.keys, e.chain, e.tracker, zap.NewNop())

		err = h.ProcessTask(ctx, task)
		require.Error(t, err)
		assert.True(t, errors.Is(err, asynq.SkipRetry))
	})

	t.Run("nothing added is retried", func(t *testing.T) {
		e := newEnv(providertest.Failing("vendor_a", provider.KindNetwork))
		id := e.newJob(t, job.TypeSync)
		task, err := NewSyncTask(SyncPayload{JobID: id, Targets: []config.SyncTarget{{ProductID: "P", Target: 2}}})
		require.NoError(t, err)

		h := NewSyncHandler(e.keys, e.chain, e.tracker, zap.NewNop())
		err = h.ProcessTask(ctx, task)
		require.Error(t, err)
		assert.False(t, errors.Is(err, asynq.SkipRetry))

		j := e.job(t, id)
		assert.Equal(t, job.StatusQueued, j.Status)
		assert.Equal(t, job.Progress{Processed: 2, Total: 2}, j.Progress)
	})
}

func TestImportHandler(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	_, err := e.keys.BulkCreate(ctx, []*digitalkey.DigitalKey{{KeyCode: "DUP-1", ProductID: "P"}})
	require.NoError(t, err)
	id := e.newJob(t, job.TypeImport)

	task, err := NewImportTask(ImportPayload{
		JobID:    id,
		Filename: "keys.csv",
		Rejected: 1,
		Records: []importer.Record{
			{Code: "NEW-1", ProductID: "P"},
			{Code: "dup-1", ProductID: "P"},
			{Code: "NEW-2", ProductID: "P", SKU: "SKU-P", Platform: "steam"},
		},
	})
	require.NoError(t, err)

	require.NoError(t, NewImportHandler(e.keys, e.tracker, zap.NewNop()).ProcessTask(ctx, task))

	j := e.job(t, id)
	assert.Equal(t, job.StatusCompleted, j.Status)
	assert.Equal(t, job.Progress{Processed: 3, Total: 3}, j.Progress)

	var res ImportResult
	require.NoError(t, json.Unmarshal(j.Result, &res))
	assert.Equal(t, ImportResult{Filename: "keys.csv", Imported: 2, Duplicates: 1, Rejected: 1}, res)

	n, err := e.keys.CountAvailable(ctx, "P", "")
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestPermanent(t *testing.T) {
	assert.True(t, Permanent(asynq.SkipRetry))
	assert.False(t, Permanent(errors.New("timeout talking to redis")))
}
