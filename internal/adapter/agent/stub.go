package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/fairyhunter13/agent-orchestrator/internal/config"
	"github.com/fairyhunter13/agent-orchestrator/internal/domain"
)

// Stub is a fast, deterministic agent client for dev mode and tests: the
// content echoes a digest of the prompt so distinct prompts stay
// distinguishable.
type Stub struct {
	profile config.ProviderProfile
}

// NewStub builds a stub serving the given profile.
func NewStub(profile config.ProviderProfile) *Stub {
	return &Stub{profile: profile}
}

// Profile returns the provider profile the stub pretends to serve.
func (s *Stub) Profile() config.ProviderProfile { return s.profile }

// Call returns a canned successful response.
func (s *Stub) Call(_ context.Context, _ string, req domain.AgentRequest) (domain.AgentResponse, error) {
	sum := sha256.Sum256([]byte(req.Prompt))
	content := fmt.Sprintf("stub response %s from %s", hex.EncodeToString(sum[:6]), s.profile.Name)
	tokensIn := len(req.Prompt) / 4
	tokensOut := len(content) / 4
	return domain.AgentResponse{
		Content:        content,
		Provider:       s.profile.Name,
		Model:          s.profile.Model,
		Success:        true,
		LatencySeconds: 0.005,
		TokensIn:       tokensIn,
		TokensOut:      tokensOut,
		FinishReason:   "stop",
		CreatedAt:      time.Now().UTC(),
	}, nil
}
