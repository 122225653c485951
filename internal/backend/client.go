package backend

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rendis/imagechain/internal/expressions"
	"github.com/rendis/imagechain/internal/logging"
	"github.com/rendis/imagechain/internal/metrics"
	"github.com/rendis/imagechain/pkg/schema"
)

// normalFinishReasons are completion indicators that do not explain a
// missing image.
var normalFinishReasons = map[string]bool{
	"":                          true,
	"STOP":                      true,
	"FINISH_REASON_UNSPECIFIED": true,
}

// ClientOptions configures a Client.
type ClientOptions struct {
	Policy RetryPolicy

	// When is an optional CEL predicate over request.* deciding whether
	// this backend may serve a request. Requires Rules.
	When  string
	Rules *expressions.CELEngine

	Logger *slog.Logger
}

// Client wraps one Backend with classification and the retry policy.
// It is safe for concurrent use if the Backend is.
type Client struct {
	backend Backend
	policy  RetryPolicy
	when    string
	rules   *expressions.CELEngine
	logger  *slog.Logger
}

// NewClient creates a Client. An invalid When predicate is rejected here.
func NewClient(b Backend, opts ClientOptions) (*Client, error) {
	if opts.When != "" {
		if opts.Rules == nil {
			return nil, schema.NewErrorf(schema.ErrCodeExpression, "backend %s: eligibility rule needs a CEL engine", b.Name())
		}
		if err := opts.Rules.Check(opts.When); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExpression, "backend %s: invalid eligibility rule", b.Name()).WithCause(err)
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		backend: b,
		policy:  opts.Policy,
		when:    opts.When,
		rules:   opts.Rules,
		logger:  logger,
	}, nil
}

// Name returns the backend identity.
func (c *Client) Name() string { return c.backend.Name() }

// Eligible reports whether this backend may serve req.
func (c *Client) Eligible(ctx context.Context, req *Request) (bool, error) {
	if c.when == "" {
		return true, nil
	}
	ok, err := c.rules.Match(ctx, c.when, map[string]any{
		"request": map[string]any{
			"media_type": req.MediaType,
			"size_bytes": int64(len(req.Data)),
			"prompt":     req.Prompt,
			"image_name": req.ImageName,
			"step_name":  req.StepName,
		},
	})
	if err != nil {
		return false, schema.NewError(schema.ErrCodeFatal, "eligibility rule failed").
			WithBackend(c.Name()).WithCause(err)
	}
	return ok, nil
}

// Transform performs one logical transform with retries.
//
// Outcomes: a Result on success; CANCELLED if ctx is done at any check;
// REJECTED or EMPTY_RESPONSE for an answer without image data (not
// retried); QUOTA_EXHAUSTED once retries on quota errors run out; FATAL
// for anything else. onRetry may be nil.
func (c *Client) Transform(ctx context.Context, req *Request, onRetry RetryFunc) (*Result, error) {
	name := c.Name()
	logger := logging.LogWith(ctx, c.logger).With("backend", name)

	if err := ctx.Err(); err != nil {
		return nil, c.cancelled(err)
	}

	var (
		result   *Result
		attempts int
		lastErr  error
	)
	op := func() error {
		attempts++
		resp, err := c.backend.Generate(ctx, req)
		if err != nil {
			lastErr = err
			kind := Classify(err)
			if ctx.Err() != nil {
				kind = KindCancelled
			}
			metrics.BackendCalls.WithLabelValues(name, kind.String()).Inc()
			switch kind {
			case KindQuota:
				return err
			case KindCancelled:
				return backoff.Permanent(c.cancelled(err))
			case KindRejected:
				return backoff.Permanent(err)
			default:
				if schema.IsCode(err, schema.ErrCodeFatal) {
					return backoff.Permanent(err)
				}
				logger.Warn("backend error not classified as retryable; treating as fatal", "error", err)
				return backoff.Permanent(schema.NewError(schema.ErrCodeFatal, err.Error()).
					WithBackend(name).WithCause(err))
			}
		}

		res, err := c.interpret(req, resp)
		if err != nil {
			metrics.BackendCalls.WithLabelValues(name, KindRejected.String()).Inc()
			return backoff.Permanent(err)
		}
		metrics.BackendCalls.WithLabelValues(name, "success").Inc()
		res.Attempts = attempts
		result = res
		return nil
	}

	notify := func(attempt int, delay time.Duration, err error) {
		metrics.BackendRetries.WithLabelValues(name).Inc()
		logger.Info("backend quota error, retrying", "attempt", attempt, "delay", delay, "error", err)
		if onRetry != nil {
			onRetry(RetryNotice{Backend: name, Attempt: attempt, Delay: delay, Err: err})
		}
	}

	err := c.policy.Do(ctx, op, notify)
	if err == nil {
		return result, nil
	}
	if ctx.Err() != nil {
		if _, ok := schema.AsChainError(err); !ok {
			return nil, c.cancelled(err)
		}
	}
	if _, ok := schema.AsChainError(err); ok && Classify(err) != KindQuota {
		return nil, err
	}
	return nil, schema.NewErrorf(schema.ErrCodeQuotaExhausted, "quota exhausted after %d attempts: %v", attempts, lastErr).
		WithBackend(name).
		WithCause(lastErr).
		WithDetails(map[string]any{"attempts": attempts})
}

// interpret turns a provider answer into a Result or a non-retryable outcome.
func (c *Client) interpret(req *Request, resp *Response) (*Result, error) {
	name := c.Name()
	if resp != nil && len(resp.Data) > 0 {
		mediaType := resp.MediaType
		if mediaType == "" {
			mediaType = req.MediaType
		}
		return &Result{Data: resp.Data, MediaType: mediaType, Backend: name}, nil
	}
	if resp != nil && resp.BlockReason != "" {
		return nil, schema.NewErrorf(schema.ErrCodeRejected, "request blocked: %s", resp.BlockReason).
			WithBackend(name).
			WithDetails(map[string]any{"reason": resp.BlockReason})
	}
	if resp != nil && !normalFinishReasons[resp.FinishReason] {
		return nil, schema.NewErrorf(schema.ErrCodeRejected, "generation stopped: %s", resp.FinishReason).
			WithBackend(name).
			WithDetails(map[string]any{"reason": resp.FinishReason})
	}
	return nil, schema.NewError(schema.ErrCodeEmptyResponse, "backend returned no image data").WithBackend(name)
}

func (c *Client) cancelled(cause error) error {
	return schema.NewError(schema.ErrCodeCancelled, "transform cancelled").
		WithBackend(c.Name()).WithCause(cause)
}
