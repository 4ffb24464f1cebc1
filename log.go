package main

import (
	"io"

	"github.com/sirupsen/logrus"
)

func newLogger(out io.Writer, verbosity int) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	l.SetLevel(levelFor(verbosity))
	return l
}

// levelFor maps the number of -v flags to a log level.
func levelFor(verbosity int) logrus.Level {
	switch {
	case verbosity <= 0:
		return logrus.WarnLevel
	case verbosity == 1:
		return logrus.InfoLevel
	case verbosity == 2:
		return logrus.DebugLevel
	}
	return logrus.TraceLevel
}
