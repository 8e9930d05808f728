package guard

import (
	"regexp"
	"strings"

	"github.com/fairyhunter13/agent-orchestrator/internal/domain"
	"github.com/fairyhunter13/agent-orchestrator/pkg/textx"
)

// Refusal indicators mirror the phrasing agent providers use when they
// decline a request.
var refusalIndicators = []string{
	"i'm sorry",
	"i am sorry",
	"i cannot",
	"i can't",
	"i'm unable",
	"i am unable",
	"i apologize",
	"i refuse",
	"i'm afraid i",
	"as an ai",
}

// credentialPattern matches provider-style secret keys leaked into output.
var credentialPattern = regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{8,}\b`)

const shortResponseChars = 20

// Sanitizer is the default OutputValidator. Critical findings mark the
// result invalid and Cleaned carries the replacement content.
type Sanitizer struct{}

// NewSanitizer returns the default output sanitizer.
func NewSanitizer() *Sanitizer { return &Sanitizer{} }

// Validate inspects agent output and returns findings plus a cleaned
// variant. Issues carry severity info, warning or critical; only critical
// ones invalidate the result.
func (s *Sanitizer) Validate(_ domain.Context, content string) domain.ValidationResult {
	res := domain.ValidationResult{Valid: true}

	trimmed := textx.StripControl(content)
	if trimmed == "" {
		res.Valid = false
		res.Issues = append(res.Issues, domain.ValidationIssue{
			Severity: domain.SeverityCritical,
			Code:     "empty_content",
			Message:  "response is empty or whitespace only",
		})
		return res
	}

	cleaned := fixDanglingFence(trimmed)
	if cleaned != trimmed {
		res.Issues = append(res.Issues, domain.ValidationIssue{
			Severity: domain.SeverityInfo,
			Code:     "dangling_code_fence",
			Message:  "unbalanced code fence repaired",
		})
	}

	if masked, n := maskCredentials(cleaned); n > 0 {
		cleaned = masked
		res.Valid = false
		res.Issues = append(res.Issues, domain.ValidationIssue{
			Severity: domain.SeverityCritical,
			Code:     "credential_leak",
			Message:  "response contained key-shaped material; masked",
		})
	}

	if isRefusal(cleaned) {
		res.Issues = append(res.Issues, domain.ValidationIssue{
			Severity: domain.SeverityWarning,
			Code:     "refusal_detected",
			Message:  "response looks like a provider refusal",
		})
	}

	if len(cleaned) < shortResponseChars {
		res.Issues = append(res.Issues, domain.ValidationIssue{
			Severity: domain.SeverityWarning,
			Code:     "short_response",
			Message:  "response is unusually short",
		})
	}

	res.Cleaned = cleaned
	return res
}

// fixDanglingFence balances triple-backtick fences: a stray trailing marker
// is dropped, an unterminated block is closed.
func fixDanglingFence(s string) string {
	if strings.Count(s, "```")%2 == 0 {
		return s
	}
	idx := strings.LastIndex(s, "```")
	tail := strings.TrimSpace(s[idx+3:])
	if tail == "" {
		return strings.TrimSpace(s[:idx])
	}
	return s + "\n```"
}

func maskCredentials(s string) (string, int) {
	n := 0
	masked := credentialPattern.ReplaceAllStringFunc(s, func(string) string {
		n++
		return "sk-***"
	})
	return masked, n
}

func isRefusal(s string) bool {
	lower := strings.ToLower(s)
	for _, indicator := range refusalIndicators {
		if strings.Contains(lower, indicator) {
			return true
		}
	}
	return false
}
