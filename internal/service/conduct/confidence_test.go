package conduct

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractConfidence(t *testing.T) {
	tests := []struct {
		name string
		text string
		want float64
	}{
		{"labeled decimal", "Looks solid. Confidence: 0.7", 0.7},
		{"labeled colon space", "confidence : .85 overall", 0.85},
		{"labeled percent", "My confidence is 85%", 0.85},
		{"labeled low percent", "confidence: 10%", 0.1},
		{"labeled beats bare", "Confidence: 0.9 even though 0.2 appears later", 0.9},
		{"bare decimal", "score 0.42 seems right", 0.42},
		{"percent fallback", "I am 90% sure about this", 0.9},
		{"no score", "no numbers to speak of", 0.5},
		{"empty", "", 0.5},
		{"clamped high", "confidence: 120%", 1},
		{"clamped labeled", "confidence 1.7", 1},
		{"integer alone ignored", "answer is 42", 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, ExtractConfidence(tt.text), 1e-9)
		})
	}
}

// Re-extracting from text that already carries a parsed score must return
// the same value.
func TestExtractConfidence_Stable(t *testing.T) {
	texts := []string{
		"Confidence: 0.73",
		"roughly 0.4 by my estimate",
		"55% likely",
	}
	for _, text := range texts {
		first := ExtractConfidence(text)
		assert.InDelta(t, first, ExtractConfidence(text), 1e-9, text)
	}
}

func TestVoteKey(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"confidence line stripped", "A\nConfidence: 0.9", "A"},
		{"parenthesised score stripped", "Momentum wins (confidence 0.8).", "Momentum wins"},
		{"plain answer unchanged", "B", "B"},
		{"whitespace trimmed", "  hold cash  ", "hold cash"},
		{"score only falls back", "Confidence: 0.9", "Confidence: 0.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, voteKey(tt.text))
		})
	}
}

// Two replies that agree but score themselves differently must count as one
// answer.
func TestVoteKey_GroupsAcrossScores(t *testing.T) {
	assert.Equal(t, voteKey("A\nConfidence: 0.9"), voteKey("A\nConfidence: 0.8"))
}
