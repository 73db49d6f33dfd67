// Package classify maps the heterogeneous output of the external download
// tool onto the small set of outcomes the coordinator acts on. It is pure
// classification: no store access, no rotation side effects, so the matching
// rules can evolve without touching coordination logic.
package classify

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/project5001/harvestd/internal/harvest"
)

// Classifier inspects one finished fetch attempt.
type Classifier struct{}

// New creates a Classifier.
func New() *Classifier {
	return &Classifier{}
}

var httpStatusRe = regexp.MustCompile(`HTTP Error (\d{3})`)

// Substring groups checked against the tool's combined output, lowercased.
// Order matters: permanent signals are checked before the broad transient
// catch-alls so "video unavailable" is not mistaken for a connection blip.
var (
	rateLimitedSubstrings = []string{
		"429",
		"too many requests",
		"quota exceeded",
		"rate limit",
		"service unavailable",
		"forbidden",
	}
	permanentSubstrings = []string{
		"video unavailable",
		"private video",
		"content not found",
		"does not exist",
		"has been removed",
		"copyright",
		"account associated with this video has been terminated",
		"sign in to confirm your age",
		"access denied",
	}
	qualitySubstrings = []string{
		"requested format is not available",
		"format is not available",
		"no such format",
	}
	transientSubstrings = []string{
		"timeout",
		"timed out",
		"connection reset",
		"connection refused",
		"temporary failure",
		"network is unreachable",
	}
)

// Classify returns the outcome for a fetch attempt. The zero-error case is
// SUCCESS; everything else is decided from the HTTP status the tool reported,
// then from known substrings in its output, then falls back to TRANSIENT so
// unknown failures get the small same-device retry budget.
func (c *Classifier) Classify(res harvest.FetchResult) harvest.Outcome {
	if res.Err == nil {
		return harvest.OutcomeSuccess
	}
	if errors.Is(res.Err, context.DeadlineExceeded) {
		return harvest.OutcomeTransient
	}

	status := res.HTTPStatus
	if status == 0 {
		status = extractHTTPStatus(res.Output)
	}
	switch status {
	case 429, 403, 503:
		return harvest.OutcomeRateLimited
	case 404, 410, 401:
		return harvest.OutcomePermanent
	}

	out := strings.ToLower(res.Output + " " + res.Err.Error())
	for _, s := range qualitySubstrings {
		if strings.Contains(out, s) {
			return harvest.OutcomeQualityUnavailable
		}
	}
	for _, s := range permanentSubstrings {
		if strings.Contains(out, s) {
			return harvest.OutcomePermanent
		}
	}
	for _, s := range rateLimitedSubstrings {
		if strings.Contains(out, s) {
			return harvest.OutcomeRateLimited
		}
	}
	for _, s := range transientSubstrings {
		if strings.Contains(out, s) {
			return harvest.OutcomeTransient
		}
	}
	return harvest.OutcomeTransient
}

// Signal names the throttle variant for the audit trail. Only meaningful when
// Classify returned OutcomeRateLimited.
func (c *Classifier) Signal(res harvest.FetchResult) harvest.Signal {
	status := res.HTTPStatus
	if status == 0 {
		status = extractHTTPStatus(res.Output)
	}
	switch status {
	case 429:
		return harvest.SignalHTTP429
	case 403:
		return harvest.SignalHTTP403
	case 503:
		return harvest.SignalHTTP503
	}
	out := strings.ToLower(res.Output)
	switch {
	case strings.Contains(out, "quota"):
		return harvest.SignalQuotaExceeded
	case strings.Contains(out, "too many requests") || strings.Contains(out, "429"):
		return harvest.SignalHTTP429
	case strings.Contains(out, "forbidden") || strings.Contains(out, "403"):
		return harvest.SignalHTTP403
	case strings.Contains(out, "service unavailable") || strings.Contains(out, "503"):
		return harvest.SignalHTTP503
	}
	return harvest.SignalHTTP429
}

// Detail produces the truncated diagnostic text stored with a rate-limit
// event.
func Detail(res harvest.FetchResult) string {
	text := strings.TrimSpace(res.Output)
	if text == "" && res.Err != nil {
		text = res.Err.Error()
	}
	if len(text) > harvest.MaxEventDetail {
		text = text[:harvest.MaxEventDetail]
	}
	return text
}

func extractHTTPStatus(output string) int {
	m := httpStatusRe.FindStringSubmatch(output)
	if m == nil {
		return 0
	}
	status := 0
	for _, r := range m[1] {
		status = status*10 + int(r-'0')
	}
	return status
}
