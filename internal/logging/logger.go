package logging

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Fields represents structured logging fields
type Fields = logrus.Fields

// Logger is what components accept; both *logrus.Logger and *logrus.Entry satisfy it.
type Logger = logrus.FieldLogger

// ParseLevel maps a LOG_LEVEL value to a logrus level. Unknown values mean info.
func ParseLevel(s string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// NewLogger creates a JSON logger at the level named by LOG_LEVEL.
func NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(ParseLevel(os.Getenv("LOG_LEVEL")))
	return logger
}

// NewLoggerWithService creates a logger whose entries all carry a service field.
func NewLoggerWithService(serviceName string) *logrus.Entry {
	return NewLogger().WithField("service", serviceName)
}
