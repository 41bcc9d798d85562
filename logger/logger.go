// Package logger is the structured logging facade used by every x402
// component. Fields are passed as maps so callers stay free of a concrete
// logging library.
package logger

// Logger receives payment lifecycle events. Field values that are errors
// are rendered by message.
type Logger interface {
	Debug(msg string, fields map[string]any)
	Info(msg string, fields map[string]any)
	Warn(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
}

// NoopLogger discards everything. It is the default of every constructor.
type NoopLogger struct{}

func (NoopLogger) Debug(string, map[string]any) {}
func (NoopLogger) Info(string, map[string]any)  {}
func (NoopLogger) Warn(string, map[string]any)  {}
func (NoopLogger) Error(string, map[string]any) {}

// WithFields returns a logger that adds fields to every entry. Fields given
// at the call site win over the fixed ones.
func WithFields(l Logger, fields map[string]any) Logger {
	if l == nil {
		return NoopLogger{}
	}
	if _, ok := l.(NoopLogger); ok || len(fields) == 0 {
		return l
	}
	return &fieldLogger{next: l, fields: fields}
}

type fieldLogger struct {
	next   Logger
	fields map[string]any
}

func (f *fieldLogger) merge(fields map[string]any) map[string]any {
	out := make(map[string]any, len(f.fields)+len(fields))
	for k, v := range f.fields {
		out[k] = v
	}
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func (f *fieldLogger) Debug(msg string, fields map[string]any) { f.next.Debug(msg, f.merge(fields)) }
func (f *fieldLogger) Info(msg string, fields map[string]any)  { f.next.Info(msg, f.merge(fields)) }
func (f *fieldLogger) Warn(msg string, fields map[string]any)  { f.next.Warn(msg, f.merge(fields)) }
func (f *fieldLogger) Error(msg string, fields map[string]any) { f.next.Error(msg, f.merge(fields)) }
