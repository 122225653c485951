package backend

import (
	"context"
	"time"
)

// Backend is one external image-transformation provider. Implementations
// perform a single call and report what the provider said; retry,
// classification and failover live above them.
type Backend interface {
	Name() string
	Generate(ctx context.Context, req *Request) (*Response, error)
}

// Request is one transform call.
type Request struct {
	Data      []byte
	MediaType string
	Prompt    string

	// Context for eligibility rules and logs; providers may ignore it.
	ImageName string
	StepName  string
}

// Response is what a provider returned for a well-formed call.
// Data is empty when the provider produced no image.
type Response struct {
	Data         []byte
	MediaType    string
	BlockReason  string
	FinishReason string
}

// Result is a successfully transformed image.
type Result struct {
	Data      []byte
	MediaType string
	Backend   string
	Attempts  int
}

// RetryNotice describes a retry about to be slept on.
type RetryNotice struct {
	Backend string
	Attempt int // 1-based attempt that just failed
	Delay   time.Duration
	Err     error
}

// RetryFunc receives retry notices before each backoff sleep.
type RetryFunc func(RetryNotice)
