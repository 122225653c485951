package backend

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Default retry settings for quota errors.
const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
	DefaultMaxDelay   = 30 * time.Second
)

// RetryPolicy is the retry/backoff policy shared by Backend Clients.
type RetryPolicy struct {
	MaxRetries int           // retries after the first attempt
	BaseDelay  time.Duration // first backoff, doubled per retry
	MaxDelay   time.Duration // cap for computed backoff

	// SuggestedDelay extracts a server-suggested wait; nil uses ParseSuggestedDelay.
	// A suggested wait is used as given and replaces the computed one.
	SuggestedDelay func(error) (time.Duration, bool)
}

// DefaultRetryPolicy returns 3 retries, 1s doubling, 30s cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
	}
}

// Do runs op until it succeeds, fails permanently, runs out of retries or
// ctx is done. op marks non-retryable failures with backoff.Permanent; the
// unwrapped error is returned. notify runs before every sleep with the
// 1-based number of the attempt that failed. A done ctx returns ctx.Err().
func (p RetryPolicy) Do(ctx context.Context, op func() error, notify func(attempt int, delay time.Duration, err error)) error {
	sb := p.newBackOff()
	attempt := 0
	wrapped := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		var permanent *backoff.PermanentError
		if !errors.As(err, &permanent) {
			if d, ok := p.suggest(err); ok {
				sb.suggested = d
				sb.hasSuggestion = true
			}
		}
		return err
	}

	var b backoff.BackOff = backoff.WithMaxRetries(sb, uint64(max(p.MaxRetries, 0)))
	b = backoff.WithContext(b, ctx)

	err := backoff.RetryNotify(wrapped, b, func(err error, delay time.Duration) {
		if notify != nil {
			notify(attempt, delay, err)
		}
	})
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

func (p RetryPolicy) suggest(err error) (time.Duration, bool) {
	if p.SuggestedDelay != nil {
		return p.SuggestedDelay(err)
	}
	return ParseSuggestedDelay(err)
}

func (p RetryPolicy) newBackOff() *suggestingBackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.BaseDelay
	exp.MaxInterval = p.MaxDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	// Stopping is governed by MaxRetries and ctx.
	exp.MaxElapsedTime = 0
	exp.Reset()
	return &suggestingBackOff{exp: exp}
}

// suggestingBackOff advances an exponential backoff on every retry but
// returns the server-suggested delay instead when one was recorded for the
// last failure.
type suggestingBackOff struct {
	exp           *backoff.ExponentialBackOff
	suggested     time.Duration
	hasSuggestion bool
}

func (s *suggestingBackOff) NextBackOff() time.Duration {
	next := s.exp.NextBackOff()
	if next == backoff.Stop {
		return backoff.Stop
	}
	if s.hasSuggestion {
		next = s.suggested
		s.hasSuggestion = false
	}
	return next
}

func (s *suggestingBackOff) Reset() {
	s.exp.Reset()
	s.hasSuggestion = false
}
