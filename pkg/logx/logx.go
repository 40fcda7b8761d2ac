package logx

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger provides structured key/value logging for storycache components
type Logger struct {
	entry *logrus.Entry
}

// NewLogger creates a logger for a component at the given level
// (trace|debug|info|warn|error)
func NewLogger(level, component string) *Logger {
	base := logrus.New()
	base.SetOutput(os.Stderr)
	base.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})

	parsed, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		parsed = logrus.InfoLevel
	}
	base.SetLevel(parsed)

	return &Logger{
		entry: base.WithField("component", component),
	}
}

// WithComponent returns a logger scoped to a sub-component, sharing the
// parent's output and level
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		entry: l.entry.Logger.WithField("component", component),
	}
}

// fields converts variadic key/value pairs into logrus fields. A trailing
// key without a value is recorded under "msg_arg".
func fields(keysAndValues []interface{}) logrus.Fields {
	f := make(logrus.Fields, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = "field"
		}
		f[key] = keysAndValues[i+1]
	}
	if len(keysAndValues)%2 == 1 {
		f["msg_arg"] = keysAndValues[len(keysAndValues)-1]
	}
	return f
}

// Trace logs at trace level with key/value pairs
func (l *Logger) Trace(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(fields(keysAndValues)).Trace(msg)
}

// Debug logs at debug level with key/value pairs
func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(fields(keysAndValues)).Debug(msg)
}

// Info logs at info level with key/value pairs
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(fields(keysAndValues)).Info(msg)
}

// Warn logs at warn level with key/value pairs
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(fields(keysAndValues)).Warn(msg)
}

// Error logs at error level with key/value pairs
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(fields(keysAndValues)).Error(msg)
}

// LogDebugVerbose logs a structured event map at debug level
func (l *Logger) LogDebugVerbose(event string, data map[string]interface{}) {
	l.entry.WithFields(logrus.Fields(data)).Debug(event)
}
