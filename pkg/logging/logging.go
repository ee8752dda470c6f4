// Package logging holds the shared logrus logger used by every rawpool
// component.
package logging

import (
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

var base = newBase()

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.WarnLevel)
	return l
}

// Logger returns the shared logger.
func Logger() *logrus.Logger {
	return base
}

// For returns a log entry tagged with the given component name.
func For(component string) *logrus.Entry {
	return base.WithField("component", component)
}

// Configure sets level, output format ("text" or "json") and destination of
// the shared logger. Empty arguments keep the current setting.
func Configure(level, format string, out io.Writer) error {
	if level != "" {
		lvl, err := logrus.ParseLevel(level)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", level, err)
		}
		base.SetLevel(lvl)
	}

	switch strings.ToLower(format) {
	case "":
	case "text":
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		base.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("invalid log format %q (must be text or json)", format)
	}

	if out != nil {
		base.SetOutput(out)
	}
	return nil
}
