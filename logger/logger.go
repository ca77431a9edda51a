// Package logger is the oracle's structured logging facade. Components
// take the interface and stay silent by default; the daemon installs
// the zap implementation.
package logger

// Logger is the leveled logging interface shared by the oracle
// components. Fields carry request ids, operator ids and tx hashes.
type Logger interface {
	Debug(msg string, fields map[string]any)
	Info(msg string, fields map[string]any)
	Warn(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
}

// NoopLogger drops everything. The default for library use and tests.
type NoopLogger struct{}

func (NoopLogger) Debug(string, map[string]any) {}
func (NoopLogger) Info(string, map[string]any)  {}
func (NoopLogger) Warn(string, map[string]any)  {}
func (NoopLogger) Error(string, map[string]any) {}
