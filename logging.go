package tunnel

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Fields are structured key/value pairs attached to a log event, e.g.
// {"session": hash, "channel": id, "remote_addr": addr}.
type Fields map[string]interface{}

// Logger is the structured event sink used throughout the tunnel core.
// Per spec §7 ("the core only emits structured events"), this package
// never decides where logs go - it only decides what gets logged and
// with which fields. Embedders supply their own Logger (or accept the
// logrus-backed default) the same way nwaples/tacplus's ConnConfig
// accepts an optional Log func, generalized here to carry structured
// fields instead of positional arguments.
type Logger interface {
	WithFields(f Fields) Logger
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// logrusLogger adapts logrus.FieldLogger to Logger. It is the default
// used whenever an embedder leaves a Logger field nil.
type logrusLogger struct {
	entry *logrus.Entry
}

// NewLogger returns the default structured logger: logrus configured
// with a text formatter writing to stderr at Info level, matching the
// conservative default most of the pack's services ship with.
func NewLogger() Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	return &logrusLogger{entry: logrus.NewEntry(l)}
}

func (l *logrusLogger) WithFields(f Fields) Logger {
	return &logrusLogger{entry: l.entry.WithFields(logrus.Fields(f))}
}

func (l *logrusLogger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *logrusLogger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *logrusLogger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *logrusLogger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

// nopLogger discards every event; used as the default inside nested
// components (Channel, Session) when an embedder attaches no Logger at
// all and does not want the package default.
type nopLogger struct{}

func (nopLogger) WithFields(Fields) Logger     { return nopLogger{} }
func (nopLogger) Debugf(string, ...interface{}) {}
func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}

func orDefaultLogger(l Logger) Logger {
	if l == nil {
		return NewLogger()
	}
	return l
}
