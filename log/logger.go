package log

import (
	"os"
	"strconv"

	"github.com/rs/zerolog"
)

type NoopLogger struct{}

func (NoopLogger) Write(p []byte) (n int, err error) {
	return len(p), nil
}

var (
	// Logger is the global logger.
	Logger zerolog.Logger
)

func init() {
	zerolog.SetGlobalLevel(parseLevel(os.Getenv("LOG_LEVEL")))
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if os.Getenv("DISABLE_LOGS") == "true" {
		Logger = zerolog.New(NoopLogger{})
	} else {
		Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
}

// parseLevel accepts both the numeric zerolog levels and their names,
// falling back to info.
func parseLevel(s string) zerolog.Level {
	if s == "" {
		return zerolog.InfoLevel
	}
	if n, err := strconv.Atoi(s); err == nil {
		return zerolog.Level(n)
	}
	if l, err := zerolog.ParseLevel(s); err == nil {
		return l
	}
	return zerolog.InfoLevel
}

// With returns a child of the global logger tagged with a component name.
func With(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}
