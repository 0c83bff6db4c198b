// Package logrus adapts a logrus entry to cascore.Logger.
package logrus

import (
	"github.com/sirupsen/logrus"

	"github.com/unkn0wn-root/cascore"
)

var _ cascore.Logger = LogrusLogger{}

type LogrusLogger struct{ E *logrus.Entry }

func New(l *logrus.Logger) LogrusLogger {
	return LogrusLogger{E: l.WithField("component", "cascore")}
}

func (l LogrusLogger) Debug(msg string, f cascore.Fields) { l.with(f).Debug(msg) }
func (l LogrusLogger) Info(msg string, f cascore.Fields)  { l.with(f).Info(msg) }
func (l LogrusLogger) Warn(msg string, f cascore.Fields)  { l.with(f).Warn(msg) }
func (l LogrusLogger) Error(msg string, f cascore.Fields) { l.with(f).Error(msg) }

func (l LogrusLogger) with(f cascore.Fields) *logrus.Entry {
	if len(f) == 0 {
		return l.E
	}
	return l.E.WithFields(logrus.Fields(f))
}
