// Package fulfillment drives one order from paid to delivered: inventory allocation,
// provider fallback for the shortfall, delivery, and the final state transition, with
// compensation when the order cannot be completed.
package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/makkenzo/key-fulfillment-service/internal/allocator"
	"github.com/makkenzo/key-fulfillment-service/internal/domain/digitalkey"
	"github.com/makkenzo/key-fulfillment-service/internal/ierr"
	"github.com/makkenzo/key-fulfillment-service/internal/metrics"
	"github.com/makkenzo/key-fulfillment-service/internal/notifier"
	"github.com/makkenzo/key-fulfillment-service/internal/provider"
	"github.com/makkenzo/key-fulfillment-service/internal/saga"
	"github.com/makkenzo/key-fulfillment-service/internal/util"
	"go.uber.org/zap"
)

const (
	stepResume        = "resume"
	stepAllocate      = "allocate"
	stepFetch         = "fetch_from_providers"
	stepDeliver       = "deliver"
	stepMarkDelivered = "mark_delivered"
)

// KeySource fetches one key for a SKU from whichever provider can supply it.
type KeySource interface {
	FetchKey(ctx context.Context, sku string) (*provider.FetchedKey, digitalkey.Provider, error)
}

// OrderLocker serializes fulfillment attempts for the same order across workers.
type OrderLocker interface {
	Lock(ctx context.Context, orderID string, ttl time.Duration) (func(context.Context) error, error)
}

type Config struct {
	LockTTL        time.Duration
	NotifyChannel  string
	NotifyTemplate string
}

type Dependencies struct {
	Keys      digitalkey.Repository
	Allocator *allocator.Allocator
	Providers KeySource
	Notifier  notifier.Notifier
	Locker    OrderLocker
	Runner    *saga.Runner
}

type Orchestrator struct {
	keys      digitalkey.Repository
	allocator *allocator.Allocator
	providers KeySource
	notifier  notifier.Notifier
	locker    OrderLocker
	runner    *saga.Runner
	cfg       Config
	logger    *zap.Logger
}

func New(cfg Config, deps Dependencies, logger *zap.Logger) *Orchestrator {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 3 * time.Minute
	}
	locker := deps.Locker
	if locker == nil {
		locker = noLock{}
	}
	return &Orchestrator{
		keys:      deps.Keys,
		allocator: deps.Allocator,
		providers: deps.Providers,
		notifier:  deps.Notifier,
		locker:    locker,
		runner:    deps.Runner,
		cfg:       cfg,
		logger:    logger.Named("Orchestrator"),
	}
}

type Result struct {
	OrderID          string                   `json:"order_id"`
	KeyIDs           []uuid.UUID              `json:"key_ids"`
	FromInventory    int                      `json:"from_inventory"`
	FromProviders    int                      `json:"from_providers"`
	AlreadyFulfilled bool                     `json:"already_fulfilled,omitempty"`
	Resumed          bool                     `json:"resumed,omitempty"`
	Keys             []*digitalkey.DigitalKey `json:"-"`
}

type options struct {
	finalAttempt bool
}

type Option func(*options)

// WithFinalAttempt marks the call as the last one the job queue will make. A delivery
// failure then releases the order's keys instead of keeping them for a retry.
func WithFinalAttempt(final bool) Option {
	return func(o *options) { o.finalAttempt = final }
}

// Fulfill runs the fulfillment saga for one order. Calling it again for an order that
// is already delivered is a no-op.
func (o *Orchestrator) Fulfill(ctx context.Context, req *Request, opts ...Option) (*Result, error) {
	var op options
	for _, fn := range opts {
		fn(&op)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	log := o.logger.With(zap.String("order_id", req.OrderID))

	unlock, err := o.locker.Lock(ctx, req.OrderID, o.cfg.LockTTL)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			log.Warn("Failed to release order lock", zap.Error(err))
		}
	}()

	existing, err := o.keys.FindByOrder(ctx, req.OrderID)
	if err != nil {
		return nil, fmt.Errorf("load keys of order %s: %w", req.OrderID, err)
	}

	st := &state{req: req, shortfall: make(map[string]int), delivered: make(map[uuid.UUID]*digitalkey.DigitalKey)}
	var steps []saga.Step

	p := planFor(req, existing)
	switch p.kind {
	case planDone:
		log.Info("Order already fulfilled", zap.Int("keys", len(p.keys)))
		metrics.FulfillmentsTotal.WithLabelValues("already_fulfilled").Inc()
		return &Result{OrderID: req.OrderID, KeyIDs: ids(p.keys), Keys: p.keys, AlreadyFulfilled: true}, nil
	case planConflict:
		metrics.FulfillmentsTotal.WithLabelValues("failed").Inc()
		return nil, &Error{
			OrderID: req.OrderID,
			Step:    "inspect",
			Err:     fmt.Errorf("%w: %w: %s", ierr.ErrFulfillmentFailed, ierr.ErrConflict, p.reason),
		}
	case planResume:
		log.Info("Order holds its keys, resuming delivery", zap.Int("keys", len(p.keys)))
		st.resumed = p.keys
		steps = []saga.Step{o.resumeStep(st), o.deliverStep(st), o.markDeliveredStep(st)}
	default:
		if len(p.keys) > 0 {
			log.Warn("Releasing stale partial assignment", zap.Int("keys", len(p.keys)))
			if err := o.release(ctx, log, p.keys); err != nil {
				return nil, fmt.Errorf("release stale keys of order %s: %w", req.OrderID, err)
			}
		}
		steps = []saga.Step{o.allocateStep(st), o.fetchStep(st), o.deliverStep(st), o.markDeliveredStep(st)}
	}

	exec, err := o.runner.Run(ctx, "fulfillment", steps)
	if err != nil {
		return nil, o.failure(ctx, log, req, exec, err, op.finalAttempt)
	}

	keys := st.final()
	metrics.FulfillmentsTotal.WithLabelValues("delivered").Inc()
	log.Info("Order fulfilled",
		zap.Int("keys", len(keys)),
		zap.Int("from_inventory", len(st.claimed)),
		zap.Int("from_providers", len(st.fetched)),
		zap.Bool("resumed", len(st.resumed) > 0),
	)
	return &Result{
		OrderID:       req.OrderID,
		KeyIDs:        ids(keys),
		FromInventory: len(st.claimed),
		FromProviders: len(st.fetched),
		Resumed:       len(st.resumed) > 0,
		Keys:          keys,
	}, nil
}

// state is shared by the steps of one saga run.
type state struct {
	req       *Request
	resumed   []*digitalkey.DigitalKey
	claimed   []*digitalkey.DigitalKey
	fetched   []*digitalkey.DigitalKey
	shortfall map[string]int
	delivered map[uuid.UUID]*digitalkey.DigitalKey
}

func (s *state) held() []*digitalkey.DigitalKey {
	all := make([]*digitalkey.DigitalKey, 0, len(s.resumed)+len(s.claimed)+len(s.fetched))
	all = append(all, s.resumed...)
	all = append(all, s.claimed...)
	return append(all, s.fetched...)
}

func (s *state) final() []*digitalkey.DigitalKey {
	held := s.held()
	for i, k := range held {
		if d, ok := s.delivered[k.ID]; ok {
			held[i] = d
		}
	}
	return held
}

func (s *state) binding(it Item) digitalkey.Binding {
	return digitalkey.Binding{OrderID: s.req.OrderID, CustomerID: s.req.CustomerID, LineItemID: it.LineItemID}
}

func (o *Orchestrator) resumeStep(st *state) saga.Step {
	return saga.Step{
		Name:    stepResume,
		Execute: func(context.Context) error { return nil },
		Compensate: func(ctx context.Context) error {
			err := o.release(ctx, o.logger.With(zap.String("order_id", st.req.OrderID)), st.undelivered(st.resumed))
			st.resumed = nil
			return err
		},
	}
}

func (o *Orchestrator) allocateStep(st *state) saga.Step {
	return saga.Step{
		Name: stepAllocate,
		Execute: func(ctx context.Context) error {
			for _, it := range st.req.Items {
				res, err := o.allocator.Allocate(ctx, allocator.Request{
					ProductID: it.ProductID,
					VariantID: it.VariantID,
					Quantity:  it.Quantity,
					Binding:   st.binding(it),
				})
				if res != nil {
					st.claimed = append(st.claimed, res.Claimed...)
				}
				if err != nil {
					return fmt.Errorf("allocate line item %s: %w", it.LineItemID, err)
				}
				st.shortfall[it.LineItemID] = res.Shortfall
			}
			return nil
		},
		Compensate: func(ctx context.Context) error {
			err := o.release(ctx, o.logger.With(zap.String("order_id", st.req.OrderID)), st.undelivered(st.claimed))
			st.claimed = nil
			return err
		},
	}
}

// fetchStep buys every shortfall unit one at a time. A unit no provider can supply fails
// the whole order.
func (o *Orchestrator) fetchStep(st *state) saga.Step {
	return saga.Step{
		Name: stepFetch,
		Execute: func(ctx context.Context) error {
			for _, it := range st.req.Items {
				for n := st.shortfall[it.LineItemID]; n > 0; n-- {
					key, err := o.fetchOne(ctx, st, it)
					if err != nil {
						return fmt.Errorf("line item %s: %w", it.LineItemID, err)
					}
					st.fetched = append(st.fetched, key)
				}
			}
			return nil
		},
		Compensate: func(ctx context.Context) error {
			log := o.logger.With(zap.String("order_id", st.req.OrderID))
			for _, k := range st.fetched {
				// Vendor purchases cannot be undone; the key goes to inventory instead.
				log.Warn("Returning provider key to inventory for reconciliation",
					zap.String("key_id", k.ID.String()),
					zap.String("provider", string(k.Provider)),
					zap.String("sku", k.SKU),
				)
			}
			err := o.release(ctx, log, st.undelivered(st.fetched))
			st.fetched = nil
			return err
		},
	}
}

func (o *Orchestrator) fetchOne(ctx context.Context, st *state, it Item) (*digitalkey.DigitalKey, error) {
	fk, from, err := o.providers.FetchKey(ctx, it.ProviderSKU())
	if err != nil {
		return nil, err
	}

	key, err := o.keys.CreateAssigned(ctx, &digitalkey.DigitalKey{
		KeyCode:   fk.Code,
		ProductID: it.ProductID,
		VariantID: digitalkey.NullString(it.VariantID),
		Provider:  from,
		SKU:       it.ProviderSKU(),
		Platform:  fk.Platform,
		Region:    fk.Region,
	}, st.binding(it))
	if err != nil {
		o.logger.Error("Purchased key could not be stored, needs reconciliation",
			zap.String("order_id", st.req.OrderID),
			zap.String("provider", string(from)),
			zap.String("sku", it.ProviderSKU()),
			zap.String("key_code", util.MaskKeyCode(fk.Code)),
			zap.Error(err),
		)
		return nil, fmt.Errorf("store key from %s: %w", from, err)
	}
	return key, nil
}

func (o *Orchestrator) deliverStep(st *state) saga.Step {
	return saga.Step{
		Name:      stepDeliver,
		Retriable: true,
		Execute: func(ctx context.Context) error {
			held := st.held()
			msg := notifier.Message{
				To:       st.req.Recipient,
				Channel:  o.cfg.NotifyChannel,
				Template: o.cfg.NotifyTemplate,
				Data: notifier.Data{
					OrderID: st.req.OrderID,
					Keys:    make([]notifier.DeliveredKey, len(held)),
				},
			}
			for i, k := range held {
				msg.Data.Keys[i] = notifier.DeliveredKey{
					KeyID:     k.ID.String(),
					ProductID: k.ProductID,
					SKU:       k.SKU,
					Code:      k.KeyCode,
					Platform:  k.Platform,
					Region:    k.Region,
				}
			}
			if err := o.notifier.Send(ctx, msg); err != nil {
				if errors.Is(err, ierr.ErrNotification) {
					return err
				}
				return fmt.Errorf("%w: %w", ierr.ErrNotification, err)
			}
			return nil
		},
	}
}

func (o *Orchestrator) markDeliveredStep(st *state) saga.Step {
	return saga.Step{
		Name:      stepMarkDelivered,
		Retriable: true,
		Execute: func(ctx context.Context) error {
			for _, k := range st.held() {
				if k.Status == digitalkey.StatusDelivered {
					st.delivered[k.ID] = k
					continue
				}
				if _, ok := st.delivered[k.ID]; ok {
					continue
				}
				d, err := o.keys.MarkDelivered(ctx, k.ID)
				if err != nil {
					return fmt.Errorf("mark key %s delivered: %w", k.ID, err)
				}
				st.delivered[k.ID] = d
			}
			return nil
		},
	}
}

func (s *state) undelivered(keys []*digitalkey.DigitalKey) []*digitalkey.DigitalKey {
	out := make([]*digitalkey.DigitalKey, 0, len(keys))
	for _, k := range keys {
		if _, ok := s.delivered[k.ID]; ok || k.Status == digitalkey.StatusDelivered {
			continue
		}
		out = append(out, k)
	}
	return out
}

func (o *Orchestrator) release(ctx context.Context, log *zap.Logger, keys []*digitalkey.DigitalKey) error {
	var errs []error
	for _, k := range keys {
		if _, err := o.keys.Release(ctx, k.ID); err != nil {
			errs = append(errs, fmt.Errorf("release key %s: %w", k.ID, err))
			continue
		}
		log.Info("Key released", zap.String("key_id", k.ID.String()))
	}
	return errors.Join(errs...)
}

// failure turns a saga error into the error returned to the job. Failures before
// delivery have already been compensated by the runner. Delivery failures keep the keys
// for a retry unless the failure is final.
func (o *Orchestrator) failure(ctx context.Context, log *zap.Logger, req *Request, exec *saga.Execution, err error, final bool) error {
	fe := &Error{OrderID: req.OrderID, Step: "unknown", Err: err}

	var serr *saga.Error
	if errors.As(err, &serr) {
		fe.Step = serr.Step
		fe.Err = serr.Err
		fe.Compensated = serr.Compensated
		if serr.CompensationErr != nil {
			log.Error("Compensation incomplete, keys may stay assigned until the next attempt",
				zap.String("step", serr.Step),
				zap.Error(serr.CompensationErr),
			)
		}
	}

	fatal := final ||
		errors.Is(fe.Err, ierr.ErrProvidersExhausted) ||
		errors.Is(fe.Err, ierr.ErrInvalidTransition) ||
		errors.Is(ctx.Err(), context.DeadlineExceeded)

	unwound := fe.Step != stepDeliver && fe.Step != stepMarkDelivered
	if !unwound && fatal {
		cerr := exec.Compensate(ctx)
		fe.Compensated = cerr == nil
		if cerr != nil {
			log.Error("Compensation after delivery failure incomplete", zap.Error(cerr))
		}
	}

	if fatal {
		fe.Err = fmt.Errorf("%w: %w", ierr.ErrFulfillmentFailed, fe.Err)
		metrics.FulfillmentsTotal.WithLabelValues("failed").Inc()
		log.Error("Order fulfillment failed",
			zap.String("step", fe.Step),
			zap.Bool("compensated", fe.Compensated),
			zap.Error(fe.Err),
		)
		return fe
	}

	metrics.FulfillmentsTotal.WithLabelValues("retry").Inc()
	log.Warn("Order fulfillment attempt failed, will retry",
		zap.String("step", fe.Step),
		zap.Bool("compensated", fe.Compensated),
		zap.Error(fe.Err),
	)
	return fe
}

func ids(keys []*digitalkey.DigitalKey) []uuid.UUID {
	out := make([]uuid.UUID, len(keys))
	for i, k := range keys {
		out[i] = k.ID
	}
	return out
}

type noLock struct{}

func (noLock) Lock(context.Context, string, time.Duration) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}
