package obs

import (
	"os"

	"github.com/sirupsen/logrus"
)

var base = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000000000Z07:00",
		FieldMap:        logrus.FieldMap{logrus.FieldKeyTime: "ts"},
	})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// EnableDebug globally enables debug logs.
func EnableDebug(v bool) {
	if v {
		base.SetLevel(logrus.DebugLevel)
		return
	}
	base.SetLevel(logrus.InfoLevel)
}

// Logger exposes the underlying logger, mostly so tests can redirect output.
func Logger() *logrus.Logger { return base }

type Fields map[string]any

func logWith(level logrus.Level, msg string, f Fields) {
	if !base.IsLevelEnabled(level) {
		return
	}
	base.WithFields(logrus.Fields(f)).Log(level, msg)
}

func Info(msg string, f Fields)  { logWith(logrus.InfoLevel, msg, f) }
func Warn(msg string, f Fields)  { logWith(logrus.WarnLevel, msg, f) }
func Error(msg string, f Fields) { logWith(logrus.ErrorLevel, msg, f) }
func Debug(msg string, f Fields) { logWith(logrus.DebugLevel, msg, f) }

// Err logs err under msg, at debug level when isClose reports it as an
// ordinary connection teardown and at error level otherwise.
func Err(msg string, err error, isClose func(error) bool, f Fields) {
	if err == nil {
		return
	}
	if f == nil {
		f = Fields{}
	}
	f["err"] = err.Error()
	if isClose != nil && isClose(err) {
		Debug(msg, f)
		return
	}
	ErrorsTotal.WithLabelValues(msg).Inc()
	Error(msg, f)
}
