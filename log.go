package wiotp

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	// LogFile is the file written when IOT_LOGGING=ON.
	LogFile = "iotfclient.log"

	loggingEnv = "IOT_LOGGING"
)

// NewLogger returns a logger for app at the given level (error, warn, info, debug or
// trace; anything else means info). If the IOT_LOGGING environment variable is ON the
// logger appends JSON lines to ./iotfclient.log, otherwise it writes human-readable lines
// to stderr. The returned io.Closer releases the log file and must be closed when done.
func NewLogger(app, level string) (zerolog.Logger, io.Closer, error) {
	var out io.Writer = zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}
	var closer io.Closer = nopCloser{}

	if strings.EqualFold(os.Getenv(loggingEnv), "ON") {
		f, err := os.OpenFile(LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return zerolog.Nop(), nil, err
		}
		out = f
		closer = f
	}

	return newLogger(out, app, level), closer, nil
}

func newLogger(w io.Writer, app, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Str("app", app).Logger()
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
