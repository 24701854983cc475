package flatfiledb

import "github.com/sirupsen/logrus"

// Logger is the narrow logging surface FlatFileDB writes through.
// CLI-only concerns such as colored output live in cmd/perobscheck, not
// here: a database has no business opinion on how its caller renders
// output.
type Logger interface {
	Debugf(format string, x ...interface{})
	Infof(format string, x ...interface{})
	Warnf(format string, x ...interface{})
	Errorf(format string, x ...interface{})
}

// logrusLogger is the default Logger, wrapping the package-level logrus
// logger the way pkg/elog.CLI wraps it for vorteil's CLI.
type logrusLogger struct{}

func (logrusLogger) Debugf(format string, x ...interface{}) { logrus.Debugf(format, x...) }
func (logrusLogger) Infof(format string, x ...interface{})  { logrus.Infof(format, x...) }
func (logrusLogger) Warnf(format string, x ...interface{})  { logrus.Warnf(format, x...) }
func (logrusLogger) Errorf(format string, x ...interface{}) { logrus.Errorf(format, x...) }

// DefaultLogger returns the logrus-backed Logger used when Options.Logger
// is nil.
func DefaultLogger() Logger { return logrusLogger{} }

type noopLogger struct{}

func (noopLogger) Debugf(string, ...interface{}) {}
func (noopLogger) Infof(string, ...interface{})  {}
func (noopLogger) Warnf(string, ...interface{})  {}
func (noopLogger) Errorf(string, ...interface{}) {}

// NoopLogger returns a Logger that discards everything, for callers (and
// tests) that don't want log output.
func NoopLogger() Logger { return noopLogger{} }
