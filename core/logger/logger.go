package logger

// Logger exposes logging methods for common severity levels. Components
// receive it at construction; infra/logger provides the zerolog-backed
// implementation.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}
