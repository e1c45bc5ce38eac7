package observability

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ProcessLogger tags the global logger with the process role and pid and
// installs the result as the global logger.
func ProcessLogger(app, role, runID string) zerolog.Logger {
	ctx := log.Logger.With().
		Str("app", app).
		Str("role", role).
		Int("pid", os.Getpid())
	if runID != "" {
		ctx = ctx.Str("run_id", runID)
	}
	logger := ctx.Logger()
	log.Logger = logger
	return logger
}
