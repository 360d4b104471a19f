package logger

// Logger is the minimal structured logging surface the engine needs.
// Key/value pairs alternate in keyvals.
type Logger interface {
	Debug(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Error(msg string, keyvals ...any)
}
