package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rendis/imagechain/internal/expressions"
	"github.com/rendis/imagechain/pkg/schema"
	"golang.org/x/time/rate"
)

const (
	defaultAPIKeyHeader     = "x-goog-api-key"
	defaultHTTPTimeout      = 120 * time.Second
	defaultMaxResponseBytes = 64 << 20
	maxErrorBodySnippet     = 2048
)

// ExtractPaths are jq queries locating fields in a provider response.
type ExtractPaths struct {
	Image        string `mapstructure:"image"`
	MediaType    string `mapstructure:"media_type"`
	BlockReason  string `mapstructure:"block_reason"`
	FinishReason string `mapstructure:"finish_reason"`
}

// DefaultExtractPaths reads generateContent-style responses.
func DefaultExtractPaths() ExtractPaths {
	return ExtractPaths{
		Image:        `first(.candidates[]?.content.parts[]? | (.inlineData // .inline_data) | select(. != null)) | .data`,
		MediaType:    `first(.candidates[]?.content.parts[]? | (.inlineData // .inline_data) | select(. != null)) | (.mimeType // .mime_type)`,
		BlockReason:  `.promptFeedback.blockReason // empty`,
		FinishReason: `.candidates[0].finishReason // empty`,
	}
}

func (p ExtractPaths) withDefaults() ExtractPaths {
	d := DefaultExtractPaths()
	if p.Image == "" {
		p.Image = d.Image
	}
	if p.MediaType == "" {
		p.MediaType = d.MediaType
	}
	if p.BlockReason == "" {
		p.BlockReason = d.BlockReason
	}
	if p.FinishReason == "" {
		p.FinishReason = d.FinishReason
	}
	return p
}

// HTTPConfig configures an HTTPBackend.
type HTTPConfig struct {
	Name              string
	URL               string
	APIKey            string
	APIKeyHeader      string
	Timeout           time.Duration
	RequestsPerMinute float64 // 0 disables client-side limiting
	MaxResponseBytes  int64
	Extract           ExtractPaths
}

// HTTPBackend talks JSON to a generateContent-style image endpoint.
type HTTPBackend struct {
	cfg     HTTPConfig
	client  *http.Client
	limiter *rate.Limiter
	jq      *expressions.JQEngine
}

// NewHTTPBackend validates cfg and compiles its extraction queries.
// A nil client gets one with cfg.Timeout.
func NewHTTPBackend(cfg HTTPConfig, jq *expressions.JQEngine, client *http.Client) (*HTTPBackend, error) {
	if cfg.Name == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "http backend: missing name")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "http backend %s: invalid url %q", cfg.Name, cfg.URL)
	}
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = defaultAPIKeyHeader
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = defaultMaxResponseBytes
	}
	cfg.Extract = cfg.Extract.withDefaults()

	if jq == nil {
		jq = expressions.NewJQEngine()
	}
	for _, q := range []string{cfg.Extract.Image, cfg.Extract.MediaType, cfg.Extract.BlockReason, cfg.Extract.FinishReason} {
		if err := jq.Check(q); err != nil {
			return nil, err
		}
	}

	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	b := &HTTPBackend{cfg: cfg, client: client, jq: jq}
	if cfg.RequestsPerMinute > 0 {
		b.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerMinute/60), 1)
	}
	return b, nil
}

// Name returns the configured backend name.
func (b *HTTPBackend) Name() string { return b.cfg.Name }

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type contentPart struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type content struct {
	Parts []contentPart `json:"parts"`
}

type generateRequest struct {
	Contents         []content      `json:"contents"`
	GenerationConfig map[string]any `json:"generationConfig,omitempty"`
}

// Generate sends one request. Non-2xx answers come back as errors carrying
// the status and body so the classifier and delay parser can read them.
func (b *HTTPBackend) Generate(ctx context.Context, req *Request) (*Response, error) {
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			// The wait would outlast the caller's deadline.
			return nil, schema.NewErrorf(schema.ErrCodeCancelled, "%s: rate limiter: %v", b.cfg.Name, err).
				WithBackend(b.cfg.Name)
		}
	}

	payload := generateRequest{
		Contents: []content{{Parts: []contentPart{
			{Text: req.Prompt},
			{InlineData: &inlineData{MimeType: req.MediaType, Data: base64.StdEncoding.EncodeToString(req.Data)}},
		}}},
		GenerationConfig: map[string]any{"responseModalities": []string{"TEXT", "IMAGE"}},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", b.cfg.Name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", b.cfg.Name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.cfg.APIKey != "" {
		httpReq.Header.Set(b.cfg.APIKeyHeader, b.cfg.APIKey)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		// Not wrapped: a client timeout unwraps to context.DeadlineExceeded
		// and must not read as the caller cancelling.
		return nil, transportError(b.cfg.Name, "request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, b.cfg.MaxResponseBytes))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, transportError(b.cfg.Name, "read response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s: HTTP %d: %s", b.cfg.Name, resp.StatusCode, errorSnippet(string(raw)))
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", b.cfg.Name, err)
	}
	return b.extract(ctx, doc)
}

func (b *HTTPBackend) extract(ctx context.Context, doc any) (*Response, error) {
	paths := b.cfg.Extract

	encoded, err := b.jq.ExtractString(ctx, paths.Image, doc)
	if err != nil {
		return nil, err
	}
	out := &Response{}
	if encoded != "" {
		out.Data, err = base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("%s: decode image data: %w", b.cfg.Name, err)
		}
	}
	if out.MediaType, err = b.jq.ExtractString(ctx, paths.MediaType, doc); err != nil {
		return nil, err
	}
	if out.BlockReason, err = b.jq.ExtractString(ctx, paths.BlockReason, doc); err != nil {
		return nil, err
	}
	if out.FinishReason, err = b.jq.ExtractString(ctx, paths.FinishReason, doc); err != nil {
		return nil, err
	}
	return out, nil
}

var _ Backend = (*HTTPBackend)(nil)

// transportError reports a failed exchange as fatal. The cause is kept as
// text only so the error never unwraps to a context error.
func transportError(name, op string, err error) error {
	return schema.NewErrorf(schema.ErrCodeFatal, "%s: %s: %v", name, op, err).WithBackend(name)
}

// errorSnippet trims an error body to maxErrorBodySnippet bytes on a rune
// boundary. A retry delay found in the dropped tail is appended so the
// delay parser still sees it.
func errorSnippet(body string) string {
	body = strings.TrimSpace(body)
	if len(body) <= maxErrorBodySnippet {
		return body
	}
	cut := maxErrorBodySnippet
	for cut > 0 && !utf8.RuneStart(body[cut]) {
		cut--
	}
	snippet := body[:cut]
	if _, inHead := ParseSuggestedDelay(errors.New(snippet)); !inHead {
		if delay, ok := ParseSuggestedDelay(errors.New(body)); ok {
			snippet += fmt.Sprintf(` ... "retryDelay": "%ss"`, strconv.FormatFloat(delay.Seconds(), 'f', -1, 64))
		}
	}
	return snippet
}
