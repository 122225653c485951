package backend

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rendis/imagechain/pkg/schema"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"http 429", errors.New("primary: HTTP 429: slow down"), KindQuota},
		{"resource exhausted", errors.New(`{"status": "RESOURCE_EXHAUSTED"}`), KindQuota},
		{"quota", errors.New("Quota exceeded for metric generate_requests"), KindQuota},
		{"too many requests", errors.New("Too Many Requests"), KindQuota},
		{"rate limit", errors.New("rate-limited by upstream"), KindQuota},
		{"429 inside a number is not a status", errors.New("payload of 14290 bytes rejected"), KindFatal},
		{"auth", errors.New("HTTP 401: API key not valid"), KindFatal},
		{"unknown", errors.New("connection reset by peer"), KindFatal},
		{"bare context canceled is left to the caller", fmt.Errorf("request: %w", context.Canceled), KindFatal},
		{"client timeout", fmt.Errorf("request: %w", context.DeadlineExceeded), KindFatal},
		{"typed rejection", schema.NewError(schema.ErrCodeRejected, "SAFETY"), KindRejected},
		{"typed empty", schema.NewError(schema.ErrCodeEmptyResponse, "nothing"), KindRejected},
		{"typed quota", schema.NewError(schema.ErrCodeQuotaExhausted, "spent"), KindQuota},
		{"typed cancel", schema.NewError(schema.ErrCodeCancelled, "stop"), KindCancelled},
		{"nil", nil, KindFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestParseSuggestedDelay(t *testing.T) {
	tests := []struct {
		msg  string
		want time.Duration
		ok   bool
	}{
		{"Resource exhausted. Please retry in 31.5s.", 31500 * time.Millisecond, true},
		{"please retry in 2 seconds", 2 * time.Second, true},
		{`{"@type": "type.googleapis.com/google.rpc.RetryInfo", "retryDelay": "17s"}`, 17 * time.Second, true},
		{"retry_delay=0.25", 250 * time.Millisecond, true},
		{"retry in 0s", 0, false},
		{"HTTP 429: too many requests", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			got, ok := ParseSuggestedDelay(errors.New(tt.msg))
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	_, ok := ParseSuggestedDelay(nil)
	assert.False(t, ok)
}

func TestErrorKind_String(t *testing.T) {
	assert.Equal(t, "quota", KindQuota.String())
	assert.Equal(t, "rejected", KindRejected.String())
	assert.Equal(t, "cancelled", KindCancelled.String())
	assert.Equal(t, "fatal", KindFatal.String())
}
