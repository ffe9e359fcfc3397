// Package allocator claims inventory keys for a requested quantity.
//
// Allocation is find-then-claim: a candidate is read, then claimed with a conditional
// write. Losing the claim to a concurrent allocation is expected; the allocator moves
// on to the next candidate a bounded number of times before counting the unit as a
// shortfall.
package allocator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/makkenzo/key-fulfillment-service/internal/domain/digitalkey"
	"github.com/makkenzo/key-fulfillment-service/internal/ierr"
	"github.com/makkenzo/key-fulfillment-service/internal/metrics"
	"go.uber.org/zap"
)

const DefaultClaimAttempts = 3

type Request struct {
	ProductID string
	VariantID string
	Quantity  int
	Binding   digitalkey.Binding
}

type Result struct {
	Claimed   []*digitalkey.DigitalKey
	Shortfall int
}

type Allocator struct {
	keys          digitalkey.Repository
	claimAttempts int
	logger        *zap.Logger
}

func New(keys digitalkey.Repository, claimAttempts int, logger *zap.Logger) *Allocator {
	if claimAttempts <= 0 {
		claimAttempts = DefaultClaimAttempts
	}
	return &Allocator{
		keys:          keys,
		claimAttempts: claimAttempts,
		logger:        logger.Named("Allocator"),
	}
}

// Allocate claims up to req.Quantity keys. On error the returned Result still lists
// the keys claimed so far; the caller owns releasing them.
func (a *Allocator) Allocate(ctx context.Context, req Request) (*Result, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("%w: quantity must be positive", ierr.ErrValidation)
	}

	res := &Result{Claimed: make([]*digitalkey.DigitalKey, 0, req.Quantity)}
	var lost []uuid.UUID

	for unit := 0; unit < req.Quantity; unit++ {
		key, err := a.claimOne(ctx, req, &lost)
		switch {
		case errors.Is(err, ierr.ErrNotFound):
			res.Shortfall += req.Quantity - unit
			a.reportShortfall(req, res)
			return res, nil
		case errors.Is(err, ierr.ErrAlreadyClaimed):
			res.Shortfall++
		case err != nil:
			return res, err
		default:
			res.Claimed = append(res.Claimed, key)
			metrics.KeysClaimedTotal.WithLabelValues(req.ProductID).Inc()
		}
	}

	a.reportShortfall(req, res)
	return res, nil
}

// claimOne returns ierr.ErrNotFound when inventory is empty and ierr.ErrAlreadyClaimed
// when every attempt lost its race.
func (a *Allocator) claimOne(ctx context.Context, req Request, lost *[]uuid.UUID) (*digitalkey.DigitalKey, error) {
	var lastErr error
	for attempt := 1; attempt <= a.claimAttempts; attempt++ {
		candidate, err := a.keys.FindAvailable(ctx, req.ProductID, req.VariantID, *lost)
		if err != nil {
			return nil, err
		}

		key, err := a.keys.Claim(ctx, candidate.ID, req.Binding)
		if err == nil {
			return key, nil
		}
		if !errors.Is(err, ierr.ErrAlreadyClaimed) {
			return nil, err
		}

		metrics.ClaimConflictsTotal.Inc()
		a.logger.Debug("Lost claim race, trying next candidate",
			zap.String("key_id", candidate.ID.String()),
			zap.String("order_id", req.Binding.OrderID),
			zap.Int("attempt", attempt),
		)
		*lost = append(*lost, candidate.ID)
		lastErr = err
	}

	a.logger.Warn("Claim attempts exhausted for unit",
		zap.String("product_id", req.ProductID),
		zap.String("order_id", req.Binding.OrderID),
		zap.Int("attempts", a.claimAttempts),
	)
	return nil, lastErr
}

func (a *Allocator) reportShortfall(req Request, res *Result) {
	if res.Shortfall == 0 {
		return
	}
	metrics.InventoryShortfallTotal.WithLabelValues(req.ProductID).Add(float64(res.Shortfall))
	a.logger.Info("Inventory shortfall",
		zap.String("product_id", req.ProductID),
		zap.String("variant_id", req.VariantID),
		zap.String("order_id", req.Binding.OrderID),
		zap.Int("requested", req.Quantity),
		zap.Int("claimed", len(res.Claimed)),
		zap.Int("shortfall", res.Shortfall),
	)
}
