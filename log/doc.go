// Package log provides the leveled, printf-style logging interface used by the
// checkpoint savers and storage backends.
//
// # Log Levels
//
// The package supports five log levels, in order of increasing severity:
//
//   - LogLevelDebug: provisioning of databases and containers, query tracing
//   - LogLevelInfo: general informational messages
//   - LogLevelWarn: transient store failures that are being retried
//   - LogLevelError: failures returned to the caller
//   - LogLevelNone: disables all logging output
//
// # Implementations
//
// GologLogger is the default implementation and is built on
// github.com/kataras/golog. NoOpLogger discards everything.
//
//	logger := log.New(log.LogLevelDebug)
//	saver := checkpoint.NewSaver(backend, checkpoint.Options{Logger: logger})
//
// A package-level logger is used by savers constructed without one:
//
//	log.SetLogLevel(log.LogLevelWarn)
//	log.SetDefaultLogger(log.NoOpLogger{})
package log
