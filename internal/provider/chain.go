package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/makkenzo/key-fulfillment-service/internal/domain/digitalkey"
	"github.com/makkenzo/key-fulfillment-service/internal/ierr"
	"github.com/makkenzo/key-fulfillment-service/internal/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "key-fulfillment/provider"

// Chain tries adapters in configured order. A failed fetch is never retried against the
// same adapter; the next adapter is the retry.
type Chain struct {
	adapters []Adapter
	tracer   trace.Tracer
	logger   *zap.Logger
}

func NewChain(logger *zap.Logger, adapters ...Adapter) *Chain {
	return &Chain{
		adapters: adapters,
		tracer:   otel.Tracer(tracerName),
		logger:   logger.Named("ProviderChain"),
	}
}

func (c *Chain) Providers() []digitalkey.Provider {
	names := make([]digitalkey.Provider, len(c.adapters))
	for i, a := range c.adapters {
		names[i] = a.Name()
	}
	return names
}

// FetchKey returns the first key any adapter produces together with the adapter's name.
// When every adapter fails the error wraps ierr.ErrProvidersExhausted and each adapter error.
func (c *Chain) FetchKey(ctx context.Context, sku string) (*FetchedKey, digitalkey.Provider, error) {
	if len(c.adapters) == 0 {
		return nil, "", fmt.Errorf("%w: no providers configured", ierr.ErrProvidersExhausted)
	}

	var errs []error
	for _, a := range c.adapters {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		key, err := c.fetchFrom(ctx, a, sku)
		if err == nil {
			return key, a.Name(), nil
		}
		errs = append(errs, err)

		c.logger.Warn("Provider fetch failed, falling back",
			zap.String("provider", string(a.Name())),
			zap.String("sku", sku),
			zap.String("kind", string(KindOf(err))),
			zap.Error(err),
		)
	}

	return nil, "", fmt.Errorf("%w: sku %s: %w", ierr.ErrProvidersExhausted, sku, errors.Join(errs...))
}

func (c *Chain) fetchFrom(ctx context.Context, a Adapter, sku string) (*FetchedKey, error) {
	ctx, span := c.tracer.Start(ctx, "provider.FetchKey", trace.WithAttributes(
		attribute.String("provider", string(a.Name())),
		attribute.String("sku", sku),
	))
	defer span.End()

	start := time.Now()
	key, err := a.FetchKey(ctx, sku)
	metrics.ProviderFetchDuration.WithLabelValues(string(a.Name())).Observe(time.Since(start).Seconds())

	if err == nil && (key == nil || strings.TrimSpace(key.Code) == "") {
		err = NewError(a.Name(), KindMalformedResponse, "fetch key", errors.New("empty key code"))
	}
	if err != nil {
		outcome := string(KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
		metrics.ProviderFetchTotal.WithLabelValues(string(a.Name()), outcome).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	metrics.ProviderFetchTotal.WithLabelValues(string(a.Name()), "success").Inc()
	return key, nil
}

// CheckAvailability is true when any adapter reports stock. It errors only if every
// adapter errored.
func (c *Chain) CheckAvailability(ctx context.Context, sku string) (bool, error) {
	var errs []error
	for _, a := range c.adapters {
		ok, err := a.CheckAvailability(ctx, sku)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			return true, nil
		}
	}
	if len(errs) > 0 && len(errs) == len(c.adapters) {
		return false, fmt.Errorf("%w: availability for sku %s: %w", ierr.ErrProvidersExhausted, sku, errors.Join(errs...))
	}
	return false, nil
}

// GetProductInfo returns the first description found, in chain order.
func (c *Chain) GetProductInfo(ctx context.Context, sku string) (*ProductInfo, digitalkey.Provider, error) {
	for _, a := range c.adapters {
		info, err := a.GetProductInfo(ctx, sku)
		if err != nil {
			if !errors.Is(err, ierr.ErrNotFound) {
				c.logger.Debug("Product info lookup failed",
					zap.String("provider", string(a.Name())),
					zap.String("sku", sku),
					zap.Error(err),
				)
			}
			continue
		}
		if info != nil {
			return info, a.Name(), nil
		}
	}
	return nil, "", fmt.Errorf("%w: product %s", ierr.ErrNotFound, sku)
}
