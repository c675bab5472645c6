package logutil

import (
    "io"
    "os"
    "sync/atomic"

    "github.com/sirupsen/logrus"
)

var jsonMode atomic.Bool

func init() {
    if os.Getenv("CLUSTER_LOG_JSON") == "1" || os.Getenv("CLUSTER_LOG_FORMAT") == "json" {
        jsonMode.Store(true)
    }
}

// SetJSON switches loggers created by New to the JSON formatter.
func SetJSON(enabled bool) { jsonMode.Store(enabled) }

// New returns a logrus logger honouring CLUSTER_LOG_JSON / CLUSTER_LOG_FORMAT
// and CLUSTER_LOG_LEVEL.
func New() *logrus.Logger {
    l := logrus.New()
    l.SetOutput(os.Stderr)
    if jsonMode.Load() {
        l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
    } else {
        l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
    }
    if lvl, err := logrus.ParseLevel(os.Getenv("CLUSTER_LOG_LEVEL")); err == nil {
        l.SetLevel(lvl)
    }
    return l
}

// Discard returns a logger that drops everything; handy in tests.
func Discard() *logrus.Logger {
    l := logrus.New()
    l.SetOutput(io.Discard)
    return l
}

// OrDefault returns l, or a fresh logger from New when l is nil.
func OrDefault(l logrus.FieldLogger) logrus.FieldLogger {
    if l == nil { return New() }
    return l
}

// Component tags every entry with the emitting subsystem.
func Component(l logrus.FieldLogger, name string) logrus.FieldLogger {
    return OrDefault(l).WithField("component", name)
}

func Infof(l logrus.FieldLogger, f string, args ...any)  { OrDefault(l).Infof(f, args...) }
func Warnf(l logrus.FieldLogger, f string, args ...any)  { OrDefault(l).Warnf(f, args...) }
func Errorf(l logrus.FieldLogger, f string, args ...any) { OrDefault(l).Errorf(f, args...) }
func Debugf(l logrus.FieldLogger, f string, args ...any) { OrDefault(l).Debugf(f, args...) }

// Writer adapts l for libraries that log through an io.Writer (memberlist,
// raft's hclog output). Lines are written at debug level.
func Writer(l logrus.FieldLogger) io.Writer {
    switch v := OrDefault(l).(type) {
    case *logrus.Logger:
        return v.WriterLevel(logrus.DebugLevel)
    case *logrus.Entry:
        return v.WriterLevel(logrus.DebugLevel)
    }
    return io.Discard
}
