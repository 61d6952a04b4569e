package observability

import (
	"github.com/rs/zerolog"
)

// SessionLogger tags base with the session identity used in every line of
// one communicator session.
func SessionLogger(base zerolog.Logger, sessionID, address string) zerolog.Logger {
	return base.With().
		Str("session", sessionID).
		Str("host", address).
		Logger()
}

// LogSummary writes the counter snapshot of m as one structured line.
func LogSummary(logger zerolog.Logger, m *Metrics) {
	dict := zerolog.Dict()
	for key, value := range m.Summary() {
		dict = dict.Float64(key, value)
	}
	logger.Info().Dict("metrics", dict).Msg("session summary")
}
