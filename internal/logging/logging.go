// Package logging builds the structured logger shared by the transport,
// session and CLI packages: logiface events written as JSON lines by stumpy.
package logging

import (
	"fmt"
	"io"
	"strings"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the logger type passed around the module.
type Logger = logiface.Logger[logiface.Event]

// ParseLevel accepts the syslog keywords logiface prints ("err", "info", ...)
// plus the common aliases "error" and "warn". "off" disables logging.
func ParseLevel(s string) (logiface.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off", "disabled", "none":
		return logiface.LevelDisabled, nil
	case "emerg", "emergency":
		return logiface.LevelEmergency, nil
	case "alert":
		return logiface.LevelAlert, nil
	case "crit", "critical":
		return logiface.LevelCritical, nil
	case "err", "error":
		return logiface.LevelError, nil
	case "warning", "warn":
		return logiface.LevelWarning, nil
	case "notice":
		return logiface.LevelNotice, nil
	case "", "info", "informational":
		return logiface.LevelInformational, nil
	case "debug":
		return logiface.LevelDebug, nil
	case "trace":
		return logiface.LevelTrace, nil
	}
	return logiface.LevelDisabled, fmt.Errorf("logging: unknown level %q", s)
}

// New returns a JSON logger writing to w at the given level.
func New(w io.Writer, level logiface.Level) *Logger {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(level),
	).Logger()
}

// Component returns a child of log tagged with the component name. A nil log
// stays nil.
func Component(log *Logger, name string) *Logger {
	return log.Clone().Str("component", name).Logger()
}
