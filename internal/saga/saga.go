// Package saga runs an ordered list of steps and unwinds them in reverse order when a
// step fails.
package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/makkenzo/key-fulfillment-service/internal/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	tracerName                 = "key-fulfillment/saga"
	defaultCompensationTimeout = 30 * time.Second
)

type Step struct {
	Name    string
	Execute func(ctx context.Context) error
	// Compensate undoes Execute. It also runs when Execute itself failed, so it must
	// cope with a partially applied step. May be nil.
	Compensate func(ctx context.Context) error
	// Retriable steps do not trigger compensation when they fail. Their effects and
	// those of earlier steps are kept for a later attempt.
	Retriable bool
}

// Error reports the step that stopped the run.
type Error struct {
	Saga            string
	Step            string
	Err             error
	Compensated     bool
	CompensationErr error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("saga %s: step %s: %v", e.Saga, e.Step, e.Err)
	if e.CompensationErr != nil {
		msg += fmt.Sprintf(" (compensation failed: %v)", e.CompensationErr)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

type Runner struct {
	compensationTimeout time.Duration
	tracer              trace.Tracer
	logger              *zap.Logger
}

func NewRunner(compensationTimeout time.Duration, logger *zap.Logger) *Runner {
	if compensationTimeout <= 0 {
		compensationTimeout = defaultCompensationTimeout
	}
	return &Runner{
		compensationTimeout: compensationTimeout,
		tracer:              otel.Tracer(tracerName),
		logger:              logger.Named("Saga"),
	}
}

// Execution is the record of one run. It remembers which steps took effect so that
// only those are unwound.
type Execution struct {
	name    string
	runner  *Runner
	mu      sync.Mutex
	applied []Step
}

// Run executes steps in order and stops at the first failure. The returned Execution
// is never nil and can be compensated later, e.g. when the caller gives up on retries.
func (r *Runner) Run(ctx context.Context, name string, steps []Step) (*Execution, error) {
	exec := &Execution{name: name, runner: r}

	ctx, span := r.tracer.Start(ctx, "saga."+name)
	defer span.End()

	for _, step := range steps {
		started := false
		err := ctx.Err()
		if err == nil {
			started = true
			err = r.execute(ctx, name, step)
		}
		if err == nil {
			exec.record(step)
			continue
		}

		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		serr := &Error{Saga: name, Step: step.Name, Err: err}

		if step.Retriable {
			r.logger.Warn("Retriable saga step failed, keeping applied steps",
				zap.String("saga", name),
				zap.String("step", step.Name),
				zap.Error(err),
			)
			return exec, serr
		}

		if started {
			exec.record(step)
		}
		r.logger.Warn("Saga step failed, compensating",
			zap.String("saga", name),
			zap.String("step", step.Name),
			zap.Error(err),
		)
		serr.CompensationErr = exec.Compensate(ctx)
		serr.Compensated = serr.CompensationErr == nil
		return exec, serr
	}

	return exec, nil
}

func (r *Runner) execute(ctx context.Context, name string, step Step) error {
	ctx, span := r.tracer.Start(ctx, "saga.step."+step.Name, trace.WithAttributes(
		attribute.String("saga", name),
	))
	defer span.End()

	if err := step.Execute(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (e *Execution) record(step Step) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.applied = append(e.applied, step)
}

// Applied lists the names of steps that took effect and have not been compensated.
func (e *Execution) Applied() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, len(e.applied))
	for i, s := range e.applied {
		names[i] = s.Name
	}
	return names
}

// Compensate unwinds applied steps in reverse order. It runs detached from ctx's
// cancellation, bounded by the runner's compensation timeout, so that a timed-out run
// can still clean up. Every compensation is attempted even if an earlier one fails.
// A second call is a no-op.
func (e *Execution) Compensate(ctx context.Context) error {
	e.mu.Lock()
	applied := e.applied
	e.applied = nil
	e.mu.Unlock()

	if len(applied) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.runner.compensationTimeout)
	defer cancel()

	var errs []error
	for i := len(applied) - 1; i >= 0; i-- {
		step := applied[i]
		if step.Compensate == nil {
			continue
		}
		if err := e.runner.compensate(ctx, e.name, step); err != nil {
			errs = append(errs, fmt.Errorf("compensate %s: %w", step.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Runner) compensate(ctx context.Context, name string, step Step) error {
	ctx, span := r.tracer.Start(ctx, "saga.compensate."+step.Name, trace.WithAttributes(
		attribute.String("saga", name),
	))
	defer span.End()

	if err := step.Compensate(ctx); err != nil {
		metrics.CompensationsTotal.WithLabelValues(step.Name, "failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Error("Compensation failed",
			zap.String("saga", name),
			zap.String("step", step.Name),
			zap.Error(err),
		)
		return err
	}

	metrics.CompensationsTotal.WithLabelValues(step.Name, "ok").Inc()
	r.logger.Info("Step compensated", zap.String("saga", name), zap.String("step", step.Name))
	return nil
}
