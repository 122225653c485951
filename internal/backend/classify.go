package backend

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/imagechain/pkg/schema"
)

// ErrorKind is how a backend error is handled.
type ErrorKind int

const (
	// KindFatal aborts the run. Anything unrecognised lands here.
	KindFatal ErrorKind = iota
	// KindQuota is a transient load or usage cap; retried, then failed over.
	KindQuota
	// KindRejected is a policy decision about this image and prompt.
	KindRejected
	// KindCancelled means the caller gave up.
	KindCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case KindQuota:
		return "quota"
	case KindRejected:
		return "rejected"
	case KindCancelled:
		return "cancelled"
	default:
		return "fatal"
	}
}

// classificationTable is the only place provider error text is matched.
// Order matters: the first match wins.
var classificationTable = []struct {
	pattern *regexp.Regexp
	kind    ErrorKind
}{
	{regexp.MustCompile(`\b429\b`), KindQuota},
	{regexp.MustCompile(`(?i)resource[_ ]exhausted`), KindQuota},
	{regexp.MustCompile(`(?i)quota`), KindQuota},
	{regexp.MustCompile(`(?i)too many requests`), KindQuota},
	{regexp.MustCompile(`(?i)rate[ _-]?limit`), KindQuota},
}

// Classify decides how err is handled. Typed errors win over text:
// ChainErrors keep their code. A bare context error is not a cancellation
// here: only the caller's own context decides that (see Client.Transform).
func Classify(err error) ErrorKind {
	if err == nil {
		return KindFatal
	}
	switch schema.CodeOf(err) {
	case schema.ErrCodeCancelled:
		return KindCancelled
	case schema.ErrCodeQuotaExhausted, schema.ErrCodeQuota:
		return KindQuota
	case schema.ErrCodeRejected, schema.ErrCodeEmptyResponse:
		return KindRejected
	}

	msg := err.Error()
	for _, entry := range classificationTable {
		if entry.pattern.MatchString(msg) {
			return entry.kind
		}
	}
	return KindFatal
}

var (
	retryInPattern    = regexp.MustCompile(`(?i)retry in (\d+(?:\.\d+)?)\s*s(?:ec(?:ond)?s?)?\b`)
	retryDelayPattern = regexp.MustCompile(`(?i)"?retry_?delay"?\s*[:=]\s*"?(\d+(?:\.\d+)?)\s*s?"?`)
)

// ParseSuggestedDelay extracts a server-suggested wait from error text,
// either "retry in N(.N)s" or a retryDelay field in seconds.
func ParseSuggestedDelay(err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}
	msg := err.Error()
	for _, p := range []*regexp.Regexp{retryInPattern, retryDelayPattern} {
		m := p.FindStringSubmatch(msg)
		if len(m) < 2 {
			continue
		}
		secs, perr := strconv.ParseFloat(strings.TrimSpace(m[1]), 64)
		if perr != nil || secs <= 0 {
			continue
		}
		return time.Duration(math.Round(secs * float64(time.Second))), true
	}
	return 0, false
}
