package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Setup builds the process logger. format is "text" (default) or "json".
func Setup(level, format string) *logrus.Logger {
	return New(os.Stderr, level, format)
}

func New(w io.Writer, level, format string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(w)
	switch strings.ToLower(format) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if level == "" {
		level = "info"
	}
	lv, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		lv = logrus.InfoLevel
	}
	logger.SetLevel(lv)
	return logger
}
