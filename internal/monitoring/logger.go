// Package monitoring holds the process-wide diagnostic logger.
package monitoring

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...any) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...any)) {
	if f == nil {
		Logf = func(string, ...any) {}
		return
	}
	Logf = f
}

// Component returns a logger that prefixes every line with "[name] ". It
// looks Logf up on each call, so a later SetLogger still applies.
func Component(name string) func(format string, v ...any) {
	prefix := "[" + name + "] "
	return func(format string, v ...any) {
		Logf(prefix+format, v...)
	}
}
