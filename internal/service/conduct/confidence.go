package conduct

import (
	"regexp"
	"strconv"
	"strings"
)

// defaultConfidence is assumed when an agent's text carries no parsable
// score.
const defaultConfidence = 0.5

var (
	// A score near the word "confidence" wins over anything else in the
	// text. Percent forms are listed first so "confidence: 10%" does not
	// half-parse as the integer 1.
	confidenceLabeled = regexp.MustCompile(`(?i)confidence[^0-9.]{0,12}(\d{1,3}(?:\.\d+)?\s*%|\d?\.\d+|[01](?:\.\d+)?)`)
	confidenceDecimal = regexp.MustCompile(`\b[01]\.\d+\b`)
	confidencePercent = regexp.MustCompile(`\b(\d{1,3}(?:\.\d+)?)\s*%`)
)

// ExtractConfidence parses a confidence score from free-form agent text.
// Labeled values are preferred, then any bare 0.x decimal, then a
// percentage. The result is clamped to [0,1].
func ExtractConfidence(text string) float64 {
	if m := confidenceLabeled.FindStringSubmatch(text); m != nil {
		if v, ok := parseScore(m[1]); ok {
			return clamp01(v)
		}
	}
	if m := confidenceDecimal.FindString(text); m != "" {
		if v, err := strconv.ParseFloat(m, 64); err == nil {
			return clamp01(v)
		}
	}
	if m := confidencePercent.FindStringSubmatch(text); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			return clamp01(v / 100)
		}
	}
	return defaultConfidence
}

// voteKey normalizes an answer for consensus grouping. The confidence
// annotation is the agent scoring itself, not part of the answer, so two
// replies that differ only in their score count as the same vote.
func voteKey(text string) string {
	t := confidenceLabeled.ReplaceAllString(text, "")
	t = strings.TrimRight(strings.TrimSpace(t), " \t\r\n:;,.-()[]")
	t = strings.TrimSpace(t)
	if t == "" {
		return strings.TrimSpace(text)
	}
	return t
}

func parseScore(token string) (float64, bool) {
	token = strings.TrimSpace(token)
	percent := strings.HasSuffix(token, "%")
	token = strings.TrimSpace(strings.TrimSuffix(token, "%"))
	v, err := strconv.ParseFloat(token, 64)
	if err != nil {
		return 0, false
	}
	if percent {
		v /= 100
	}
	return v, true
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
