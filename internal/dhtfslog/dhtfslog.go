// Package dhtfslog is the logging façade used across dhtfs, wrapping a
// single shared logrus.Logger so verbosity is controlled in one place
// (set by cmd/dhtfs's --log-level flag).
package dhtfslog

import "github.com/sirupsen/logrus"

var log = logrus.New()

// SetLevel parses level ("debug", "info", "warn", "error") and applies it
// to the shared logger, defaulting to Info on an unrecognized value.
func SetLevel(level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
}

// Debugf logs at debug level, used by fsadapter to trace its readdir,
// mkdir, unlink and rename operations and the paths they were given.
func Debugf(format string, args ...interface{}) {
	log.Debugf(format, args...)
}

// Errorf logs at error level.
func Errorf(format string, args ...interface{}) {
	log.Errorf(format, args...)
}

// Infof logs at info level, used by cmd/dhtfs for mount lifecycle events.
func Infof(format string, args ...interface{}) {
	log.Infof(format, args...)
}
