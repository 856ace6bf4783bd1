package observability

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger installs the process-wide logger for a long-running binary.
func InitLogger(app string, level zerolog.Level, json bool) zerolog.Logger {
	var logger zerolog.Logger
	if json {
		logger = zerolog.New(os.Stdout)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	}
	logger = logger.Level(level).With().Timestamp().Str("app", app).Logger()
	log.Logger = logger
	return logger
}
