package obs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var base = newBase(os.Stdout)

func newBase(out io.Writer) *log.Logger {
	l := log.New()
	l.SetOutput(out)
	l.SetLevel(log.InfoLevel)
	l.SetFormatter(&log.JSONFormatter{
		FieldMap: log.FieldMap{log.FieldKeyTime: "ts"},
	})
	return l
}

// Fields are attached to a single log event.
type Fields = log.Fields

// InitLog sets the level and, unless path is empty or "console", routes output to a rotating file.
func InitLog(level string, path string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("parse log level %q: %w", level, err)
	}
	if path != "" && path != "console" {
		base.SetOutput(&lumberjack.Logger{
			Filename:   filepath.ToSlash(path),
			MaxSize:    5, // MB
			MaxBackups: 10,
			MaxAge:     30, // days
			Compress:   true,
		})
	}
	base.SetLevel(lvl)
	return nil
}

// EnableDebug globally enables debug logs.
func EnableDebug(v bool) {
	if v {
		base.SetLevel(log.DebugLevel)
	}
}

// SetOutput redirects log output, mostly for tests.
func SetOutput(w io.Writer) { base.SetOutput(w) }

// Logger exposes the underlying logger for libraries that want an io.Writer or *log.Entry.
func Logger() *log.Logger { return base }

func Info(msg string, f Fields)  { base.WithFields(f).Info(msg) }
func Warn(msg string, f Fields)  { base.WithFields(f).Warn(msg) }
func Error(msg string, f Fields) { base.WithFields(f).Error(msg) }
func Debug(msg string, f Fields) {
	if base.IsLevelEnabled(log.DebugLevel) {
		base.WithFields(f).Debug(msg)
	}
}
