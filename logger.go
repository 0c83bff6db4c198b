package cascore

import "maps"

// Fields carries structured context for one log entry.
type Fields map[string]any

// Logger is the leveled logging surface every component writes to.
// Adapters for zap, logrus and slog live under log/. Leaving Logger nil in
// an options struct disables logging for that component.
type Logger interface {
	Debug(msg string, f Fields)
	Info(msg string, f Fields)
	Warn(msg string, f Fields)
	Error(msg string, f Fields)
}

type NopLogger struct{}

func (NopLogger) Debug(string, Fields) {}
func (NopLogger) Info(string, Fields)  {}
func (NopLogger) Warn(string, Fields)  {}
func (NopLogger) Error(string, Fields) {}

// component tags every entry from l with the emitting component.
func component(l Logger, name string) Logger {
	if l == nil {
		return NopLogger{}
	}
	if _, ok := l.(NopLogger); ok {
		return l
	}
	return fieldLogger{next: l, base: Fields{"component": name}}
}

type fieldLogger struct {
	next Logger
	base Fields
}

// merge lets entry fields override base fields.
func (l fieldLogger) merge(f Fields) Fields {
	out := make(Fields, len(l.base)+len(f))
	maps.Copy(out, l.base)
	maps.Copy(out, f)
	return out
}

func (l fieldLogger) Debug(msg string, f Fields) { l.next.Debug(msg, l.merge(f)) }
func (l fieldLogger) Info(msg string, f Fields)  { l.next.Info(msg, l.merge(f)) }
func (l fieldLogger) Warn(msg string, f Fields)  { l.next.Warn(msg, l.merge(f)) }
func (l fieldLogger) Error(msg string, f Fields) { l.next.Error(msg, l.merge(f)) }
