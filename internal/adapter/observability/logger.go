package observability

import (
	"log/slog"
	"os"
	"strings"

	"github.com/fairyhunter13/agent-orchestrator/internal/config"
)

// redactedAttrs are attribute names whose values never reach the log output.
// The key pool logs key indexes and masked suffixes instead.
var redactedAttrs = map[string]struct{}{
	"api_key":       {},
	"secret":        {},
	"password":      {},
	"authorization": {},
}

func handlerOptions(cfg config.Config) *slog.HandlerOptions {
	opts := &slog.HandlerOptions{
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if _, ok := redactedAttrs[strings.ToLower(a.Key)]; ok {
				a.Value = slog.StringValue("[REDACTED]")
			}
			return a
		},
	}
	// In dev, show debug level; in prod, default to info
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
	}
	return opts
}

// SetupLogger configures a JSON slog logger with environment fields.
// Attributes carrying credential material are redacted at the handler so no
// call site can leak a pooled key.
func SetupLogger(cfg config.Config) *slog.Logger {
	h := slog.NewJSONHandler(os.Stdout, handlerOptions(cfg))
	logger := slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
	return logger
}
