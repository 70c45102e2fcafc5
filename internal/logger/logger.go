package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is the process-wide logger. Every component logs through it with a
// "component" field so diagnostics can be filtered per subsystem.
var Logger *logrus.Logger

func init() {
	Logger = logrus.New()
	Logger.SetOutput(os.Stdout)
	Logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	Logger.SetLevel(logrus.InfoLevel)

	// LOG_LEVEL wins over the default until the config is loaded.
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		if parsed, err := logrus.ParseLevel(strings.ToLower(level)); err == nil {
			Logger.SetLevel(parsed)
		}
	}
}

// WithComponent adds a component field to the logger.
func WithComponent(component string) *logrus.Entry {
	return Logger.WithField("component", component)
}

// ApplyLevel parses level and sets it on Logger. An invalid level leaves the
// current one untouched and returns the parse error.
func ApplyLevel(level string) (logrus.Level, error) {
	parsed, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return Logger.GetLevel(), err
	}
	Logger.SetLevel(parsed)
	return parsed, nil
}

// Writer returns an io.Writer that forwards lines to Logger at info level.
// Used for gin and net/http error logs.
func Writer() io.Writer {
	return Logger.Writer()
}
