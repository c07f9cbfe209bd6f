// Package executor runs one phase's work through the full resilience
// stack: cache lookup, circuit breaker gate, per-call timeout, retry
// policy, then write-through caching and breaker reporting on the outcome.
// Every run produces a phase.Result; the executor never returns an error
// to the orchestrator.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"conveyor/internal/breaker"
	"conveyor/internal/cache"
	"conveyor/internal/logging"
	"conveyor/internal/phase"
	"conveyor/internal/provider"
	"conveyor/internal/retry"
	"conveyor/internal/services"
)

// Executor dispatches phase work to providers.
type Executor struct {
	providers *provider.Registry
	cache     *cache.Layer
	breakers  *breaker.Manager
	policy    retry.Policy
	logger    *slog.Logger
}

// New constructs an executor. The breaker manager is shared process-wide so
// dependency health carries across concurrent runs.
func New(providers *provider.Registry, cacheLayer *cache.Layer, breakers *breaker.Manager, policy retry.Policy, logger *slog.Logger) *Executor {
	return &Executor{
		providers: providers,
		cache:     cacheLayer,
		breakers:  breakers,
		policy:    policy,
		logger:    logging.NewComponentLogger(logger, "executor"),
	}
}

// Run executes one phase and reports its outcome. The context bounds the
// whole run including retries; each provider call additionally gets the
// phase timeout.
func (e *Executor) Run(ctx context.Context, def phase.Definition, input provider.Input) phase.Result {
	started := time.Now().UTC()
	result := phase.Result{
		PhaseID:   def.ID,
		Status:    phase.StatusRunning,
		StartedAt: &started,
	}
	logger := e.logger.With(
		logging.Int64(logging.FieldRecordID, input.RecordID),
		logging.String(logging.FieldRunID, input.RunID),
		logging.String(logging.FieldPhase, def.ID),
		logging.String(logging.FieldDependency, def.Provider),
	)

	prov, err := e.providers.Resolve(def.Provider)
	if err != nil {
		return e.failed(result, err, logger)
	}

	cacheKey := ""
	if def.CacheCategory != "" {
		cacheKey = CacheKey(def.ID, input)
		if payload, hit := e.cache.Get(ctx, def.CacheCategory, cacheKey); hit {
			finished := time.Now().UTC()
			result.Status = phase.StatusSucceeded
			result.Output = payload
			result.FinishedAt = &finished
			logger.Info("phase served from cache",
				logging.String(logging.FieldEventType, "phase_cache_hit"))
			return result
		}
	}

	brk := e.breakers.For(def.Provider)
	if allowErr := brk.Allow(); allowErr != nil {
		logger.Warn("phase rejected by open circuit",
			logging.String(logging.FieldEventType, "phase_circuit_open"))
		return e.failed(result, allowErr, logger)
	}

	policy := e.policy
	traits := prov.Traits()
	if !def.Retryable || !traits.Retryable {
		policy = policy.WithMaxAttempts(1)
	}
	idempotent := def.Idempotent && traits.Idempotent
	if !idempotent && input.IdempotencyKey == "" {
		// Without an idempotency token a repeat call could duplicate side
		// effects, so the provider is contacted at most once.
		policy = policy.WithMaxAttempts(1)
	}

	timeout := def.Timeout
	if timeout <= 0 {
		timeout = traits.Timeout
	}

	var output provider.Output
	attempts, execErr := policy.Do(ctx, func(ctx context.Context) error {
		callCtx := ctx
		cancel := context.CancelFunc(func() {})
		if timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		out, callErr := prov.Execute(callCtx, input)
		cancel()
		if callErr != nil {
			if errors.Is(callErr, context.DeadlineExceeded) && ctx.Err() == nil {
				callErr = services.Wrap(services.ErrTimeout, def.Provider, "execute",
					fmt.Sprintf("phase timed out after %s", timeout), callErr)
			}
			brk.ReportFailure()
			return callErr
		}
		brk.ReportSuccess()
		output = out
		return nil
	})
	result.Attempts = attempts

	if execErr != nil {
		if !idempotent && sideEffectUnknown(execErr) {
			execErr = services.Wrap(services.ErrAmbiguous, def.Provider, def.ID,
				"call outcome unknown; side effects may have occurred", execErr)
		}
		return e.failed(result, execErr, logger)
	}

	if cacheKey != "" {
		e.cache.Set(ctx, def.CacheCategory, cacheKey, output.Payload)
	}
	finished := time.Now().UTC()
	result.Status = phase.StatusSucceeded
	result.Output = output.Payload
	result.FinishedAt = &finished
	logger.Info("phase succeeded",
		logging.String(logging.FieldEventType, "phase_succeeded"),
		logging.Int("attempts", result.Attempts),
		logging.Duration("elapsed", finished.Sub(started)))
	return result
}

func (e *Executor) failed(result phase.Result, err error, logger *slog.Logger) phase.Result {
	finished := time.Now().UTC()
	details := services.Details(err)
	result.Status = phase.StatusFailed
	result.ErrorClass = details.Class
	result.ErrorMessage = details.Message
	result.FinishedAt = &finished
	logger.Error("phase failed",
		logging.String(logging.FieldEventType, "phase_failed"),
		logging.String("error_class", string(details.Class)),
		logging.Int("attempts", result.Attempts),
		logging.Error(err))
	return result
}

// sideEffectUnknown reports whether the failure leaves the collaborator's
// state in doubt. Rejections that provably never reached the collaborator
// (circuit open, validation, configuration) are excluded.
func sideEffectUnknown(err error) bool {
	return services.Classify(err) == services.ClassTransient
}
