package securefetch

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// newLogger returns the client logger. Logging is off unless enabled, in
// which case the supplied logger (or the global one) is tagged and levelled.
func newLogger(enabled bool, level string, base *zerolog.Logger) zerolog.Logger {
	if !enabled {
		return zerolog.Nop()
	}

	logger := log.Logger
	if base != nil {
		logger = *base
	}

	if level != "" {
		if lvl, err := zerolog.ParseLevel(level); err == nil {
			logger = logger.Level(lvl)
		} else {
			logger.Warn().Str("level", level).Msg("unknown log level, keeping logger level")
		}
	}

	return logger.With().Str("component", "securefetch").Logger()
}
