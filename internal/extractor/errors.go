package extractor

import (
	"errors"
	"strings"

	"dropcrate/internal/model"
)

// rule maps stderr signal keywords to a taxonomy kind. All matching is
// case-insensitive; rules are checked in order, first hit wins.
type rule struct {
	kind      model.ErrorKind
	any       []string
	all       []string
	retryable bool
	hint      string
}

var rules = []rule{
	{
		kind:      model.ErrRateLimited,
		any:       []string{"429", "too many requests", "rate limit"},
		retryable: true,
		hint:      "The source is rate-limiting requests; it will be retried with backoff",
	},
	{
		kind: model.ErrGeoBlocked,
		any:  []string{"available in your country", "geo", "blocked"},
		hint: "This video is not available in your region",
	},
	{
		kind: model.ErrAgeRestricted,
		all:  []string{"age"},
		any:  []string{"restricted", "gate"},
		hint: "Set YTDLP_COOKIES_FROM_BROWSER to access age-restricted content",
	},
	{
		kind: model.ErrPrivate,
		any:  []string{"private video"},
		hint: "This video is private and cannot be downloaded",
	},
	{
		kind: model.ErrUnavailable,
		any:  []string{"video unavailable", "removed", "deleted"},
		hint: "The video was removed or is no longer available",
	},
	{
		kind: model.ErrLoginRequired,
		any:  []string{"sign in", "login", "members only"},
		hint: "Set cookies-from-browser to use your login",
	},
	{
		kind: model.ErrCopyright,
		any:  []string{"copyright", "claimed", "takedown"},
		hint: "The video was taken down by a copyright claim",
	},
	{
		kind:      model.ErrNetworkError,
		any:       []string{"network", "connection", "timeout", "timed out"},
		retryable: true,
		hint:      "Network problem reaching the source; it will be retried",
	},
	{
		kind: model.ErrUnsupported,
		any:  []string{"unsupported url", "unable to extract"},
		hint: "This URL is not supported by the extractor",
	},
}

// Classify turns combined extractor stderr into a typed error. err is
// the underlying process failure and is preserved in the chain.
func Classify(stderr string, err error) *model.PipelineError {
	lower := strings.ToLower(stderr)
	for _, r := range rules {
		if !matchAll(lower, r.all) {
			continue
		}
		if len(r.any) > 0 && !matchAny(lower, r.any) {
			continue
		}
		return &model.PipelineError{Kind: r.kind, Hint: r.hint, Retryable: r.retryable, Err: err}
	}
	if err == nil {
		err = errors.New(firstLine(stderr))
	}
	return &model.PipelineError{Kind: model.ErrUnknown, Err: err}
}

func matchAll(s string, keys []string) bool {
	for _, k := range keys {
		if !strings.Contains(s, k) {
			return false
		}
	}
	return true
}

func matchAny(s string, keys []string) bool {
	for _, k := range keys {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
