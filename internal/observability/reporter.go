package observability

import (
	"github.com/rs/zerolog"
)

// Reporter receives errors that were recovered at a task or hook boundary.
type Reporter interface {
	Report(err error)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(err error)

func (f ReporterFunc) Report(err error) {
	f(err)
}

// LogReporter writes reported errors to a zerolog logger.
type LogReporter struct {
	logger zerolog.Logger
}

func NewLogReporter(logger zerolog.Logger) LogReporter {
	return LogReporter{logger: logger}
}

func (r LogReporter) Report(err error) {
	if err == nil {
		return
	}
	r.logger.Error().Err(err).Msg("recovered error")
}

// Nop discards reports.
var Nop Reporter = ReporterFunc(func(error) {})
