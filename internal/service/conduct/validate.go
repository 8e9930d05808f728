package conduct

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/sync/errgroup"

	"github.com/fairyhunter13/agent-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/agent-orchestrator/internal/domain"
)

const validationTaskType = "validation"

// Verdict keywords scanned in validator replies. A reply is positive when it
// contains a positive keyword and none of the negative ones.
var (
	positiveVerdicts = []string{"validated", "safe to apply", "looks good", "approved"}
	negativeVerdicts = []string{"critical syntax", "syntax error", "unsafe", "do not apply", "fatal", "rollback"}
)

// ValidationResult is the outcome of the artifact validation pipeline. When
// the verdict forces a rollback, RolledBack and Err report how the restore
// went.
type ValidationResult struct {
	Artifact   string
	Validated  bool
	Verdicts   [2]string
	RolledBack bool
	Err        error
}

// ValidateImplementation reads the artifact, fans it out to two validator
// agents and applies the keyword verdict. The artifact stays applied only
// when both agents approve and neither flags a critical issue; otherwise the
// backup is restored off the calling goroutine. The final result, including
// any rollback failure, is delivered on the returned channel.
func (c *Conductor) ValidateImplementation(ctx context.Context, artifactPath, backupPath string) (<-chan ValidationResult, error) {
	data, err := os.ReadFile(artifactPath)
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	if m := mimetype.Detect(data); !strings.HasPrefix(m.String(), "text/") && !m.Is("application/json") {
		observability.ValidationsTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("artifact %s sniffed as %s, not text: %w",
			artifactPath, m.String(), domain.ErrValidation)
	}

	var verdicts [2]string
	g, gctx := errgroup.WithContext(ctx)
	for i := range verdicts {
		i := i
		g.Go(func() error {
			resp, err := c.router.SendRequest(gctx, domain.AgentRequest{
				Prompt:   validationPrompt(i, artifactPath, string(data)),
				TaskType: validationTaskType,
			})
			if err != nil {
				// A reviewer that cannot answer cannot approve.
				verdicts[i] = "error: " + err.Error()
				return nil
			}
			verdicts[i] = resp.Content
			return nil
		})
	}
	_ = g.Wait()

	res := ValidationResult{Artifact: artifactPath, Verdicts: verdicts}
	res.Validated = verdictPositive(verdicts[0]) && verdictPositive(verdicts[1])

	out := make(chan ValidationResult, 1)
	if res.Validated {
		observability.ValidationsTotal.WithLabelValues("validated").Inc()
		out <- res
		close(out)
		return out, nil
	}

	observability.ValidationsTotal.WithLabelValues("rejected").Inc()
	slog.Warn("artifact validation failed, rolling back",
		slog.String("artifact", artifactPath),
		slog.String("backup", backupPath))
	go func() {
		defer close(out)
		if err := restoreBackup(backupPath, artifactPath); err != nil {
			observability.RollbacksTotal.WithLabelValues("failed").Inc()
			slog.Error("rollback failed",
				slog.String("artifact", artifactPath),
				slog.String("backup", backupPath),
				slog.Any("error", err))
			res.Err = fmt.Errorf("restore %s from %s: %v: %w",
				artifactPath, backupPath, err, domain.ErrRollbackFailed)
			out <- res
			return
		}
		observability.RollbacksTotal.WithLabelValues("restored").Inc()
		res.RolledBack = true
		out <- res
	}()
	return out, nil
}

// verdictPositive applies the keyword heuristic to one validator reply.
func verdictPositive(s string) bool {
	t := strings.ToLower(s)
	for _, kw := range negativeVerdicts {
		if strings.Contains(t, kw) {
			return false
		}
	}
	for _, kw := range positiveVerdicts {
		if strings.Contains(t, kw) {
			return true
		}
	}
	return false
}

// validationPrompt frames the artifact for one of the two reviewers, asking
// for the exact keywords the verdict scan looks for.
func validationPrompt(reviewer int, path, content string) string {
	return fmt.Sprintf("You are reviewer %d of 2. Review the implementation below from %s. "+
		"Reply VALIDATED if it is safe to apply; otherwise name the critical syntax or safety problems.\n\n%s",
		reviewer+1, path, content)
}

// restoreBackup copies the backup over the artifact. WriteFile keeps the
// artifact's existing mode when the file is already present.
func restoreBackup(backupPath, artifactPath string) error {
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return err
	}
	return os.WriteFile(artifactPath, data, 0o644)
}
