package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/rendis/imagechain/internal/backend"
	"github.com/rendis/imagechain/internal/logging"
	"github.com/rendis/imagechain/internal/metrics"
	"github.com/rendis/imagechain/pkg/schema"
)

// DefaultBackendPause is the wait between two backends of one failover.
const DefaultBackendPause = 250 * time.Millisecond

// quotaRemediation is attached to aggregated quota errors.
const quotaRemediation = "all configured backends are rate limited or out of quota; " +
	"wait for the quota window to reset, raise the provider quota, or configure an additional backend"

// BackendFailure is why one backend did not serve a failover call.
type BackendFailure struct {
	Backend string `json:"backend"`
	Reason  string `json:"reason"`
}

// FailoverHooks observe a failover call. All fields are optional.
type FailoverHooks struct {
	OnRetry backend.RetryFunc
	// OnFailover runs before trying next after from exhausted its quota.
	OnFailover func(from, next string, reason error)
	// OnBreaker observes circuit state changes caused by this call.
	OnBreaker StateChangeFunc
}

// Failover tries backends in preference order.
type Failover struct {
	pause    time.Duration
	breakers *CircuitBreakerRegistry
	logger   *slog.Logger
}

// NewFailover creates a Failover. A nil breakers registry disables
// circuit breaking; pause <= 0 uses DefaultBackendPause.
func NewFailover(pause time.Duration, breakers *CircuitBreakerRegistry, logger *slog.Logger) *Failover {
	if pause <= 0 {
		pause = DefaultBackendPause
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Failover{pause: pause, breakers: breakers, logger: logger}
}

// Run transforms req with the first backend that succeeds.
//
// QUOTA_EXHAUSTED moves on to the next backend after a cancellable pause.
// CANCELLED and every other error are returned at once. When every backend
// ran out of quota (or was skipped by its breaker) the result is a single
// QUOTA_ERROR listing each backend's reason.
func (f *Failover) Run(ctx context.Context, clients []*backend.Client, req *backend.Request, hooks FailoverHooks) (*backend.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, cancelledError(err)
	}
	if len(clients) == 0 {
		return nil, schema.NewError(schema.ErrCodeNoEligibleBackend, "no backends configured")
	}
	logger := logging.LogWith(ctx, f.logger)

	var (
		failures []BackendFailure
		errs     error
		eligible int
		previous *schema.ChainError
	)
	for _, c := range clients {
		name := c.Name()

		ok, err := c.Eligible(ctx, req)
		if err != nil {
			return nil, err
		}
		if !ok {
			logger.Debug("backend not eligible", "backend", name)
			failures = append(failures, BackendFailure{Backend: name, Reason: "not eligible for this request"})
			continue
		}
		eligible++

		if f.breakers != nil {
			from, to, err := f.breakers.allow(name)
			f.observeBreaker(hooks, name, from, to)
			if err != nil {
				logger.Info("skipping backend with open circuit", "backend", name)
				failures = append(failures, BackendFailure{Backend: name, Reason: err.Error()})
				errs = multierr.Append(errs, err)
				continue
			}
		}

		if previous != nil {
			metrics.Failovers.WithLabelValues(previous.Backend).Inc()
			logger.Warn("backend quota exhausted, failing over", "from", previous.Backend, "to", name)
			if hooks.OnFailover != nil {
				hooks.OnFailover(previous.Backend, name, previous)
			}
			if err := sleepCtx(ctx, f.pause); err != nil {
				return nil, cancelledError(err)
			}
		}

		res, err := c.Transform(ctx, req, hooks.OnRetry)
		if err == nil {
			if f.breakers != nil {
				from, to := f.breakers.success(name)
				f.observeBreaker(hooks, name, from, to)
			}
			return res, nil
		}

		ce, isChain := schema.AsChainError(err)
		if !isChain || ce.Code != schema.ErrCodeQuotaExhausted {
			if f.breakers != nil {
				if schema.IsCancelled(err) {
					f.breakers.release(name)
				} else {
					// The backend answered; its quota is not the problem.
					from, to := f.breakers.success(name)
					f.observeBreaker(hooks, name, from, to)
				}
			}
			return nil, err
		}
		if f.breakers != nil {
			from, to := f.breakers.failure(name)
			f.observeBreaker(hooks, name, from, to)
		}
		failures = append(failures, BackendFailure{Backend: name, Reason: ce.Message})
		errs = multierr.Append(errs, err)
		previous = ce
	}

	if eligible == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNoEligibleBackend,
			"none of %d configured backends accepts this request", len(clients)).
			WithDetails(map[string]any{"backends": failures})
	}
	return nil, quotaError(failures, errs)
}

func (f *Failover) observeBreaker(hooks FailoverHooks, name string, from, to CircuitState) {
	f.breakers.notify(name, from, to)
	if from != to && hooks.OnBreaker != nil {
		hooks.OnBreaker(name, from, to)
	}
}

func quotaError(failures []BackendFailure, cause error) *schema.ChainError {
	parts := make([]string, 0, len(failures))
	for _, fl := range failures {
		parts = append(parts, fmt.Sprintf("%s: %s", fl.Backend, fl.Reason))
	}
	return schema.NewErrorf(schema.ErrCodeQuota, "all backends exhausted (%s)", strings.Join(parts, "; ")).
		WithCause(cause).
		WithDetails(map[string]any{
			"backends": failures,
			"hint":     quotaRemediation,
		})
}

func cancelledError(cause error) *schema.ChainError {
	return schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithCause(cause)
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
