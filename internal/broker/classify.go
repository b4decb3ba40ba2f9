package broker

import (
	"strings"

	"github.com/marberlow/newsmill/internal/pipeline"
)

// Keyword fragments matched (case-insensitively) against provider error
// text. Quota wording is checked before rate-limit wording because quota
// messages often also mention status 429.
var (
	quotaKeywords = []string{
		"quota",
		"daily limit",
		"billing",
	}
	rateLimitKeywords = []string{
		"rate limit",
		"rate-limit",
		"too many requests",
		"429",
		"resource_exhausted",
		"resource has been exhausted",
	}
)

// Classify maps a provider error onto the credential state machine.
// Anything unrecognized is treated as potentially permanent (for example
// a revoked credential) and classified ERROR.
func Classify(err error) pipeline.CredentialStatus {
	if err == nil {
		return pipeline.StatusError
	}
	text := strings.ToLower(err.Error())
	for _, kw := range quotaKeywords {
		if strings.Contains(text, kw) {
			return pipeline.StatusQuotaExceeded
		}
	}
	for _, kw := range rateLimitKeywords {
		if strings.Contains(text, kw) {
			return pipeline.StatusRateLimited
		}
	}
	return pipeline.StatusError
}
