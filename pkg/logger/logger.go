package logger

import (
	"fmt"
	"os"
	"strings"
	"sync"

	glog "github.com/labstack/gommon/log"
)

// Leveled process logger. Output is one text line per entry:
// "<rfc3339 time> [LEVEL] message".

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

const header = "${time_rfc3339} [${level}]"

var (
	mu     sync.RWMutex
	logger = newBackend()
	level  = LevelInfo
)

func newBackend() *glog.Logger {
	l := glog.New("booking")
	l.SetOutput(os.Stdout)
	l.SetHeader(header)
	l.DisableColor()
	l.SetLevel(glog.INFO)
	return l
}

// Init sets the global log level (case-insensitive: debug, info, warn, error, fatal).
func Init(l string) {
	mu.Lock()
	defer mu.Unlock()
	switch strings.ToLower(strings.TrimSpace(l)) {
	case "debug":
		level = LevelDebug
	case "warn", "warning":
		level = LevelWarn
	case "error":
		level = LevelError
	case "fatal":
		level = LevelFatal
	default:
		level = LevelInfo
	}
	logger.SetLevel(backendLevel(level))
}

func backendLevel(l Level) glog.Lvl {
	switch l {
	case LevelDebug:
		return glog.DEBUG
	case LevelWarn:
		return glog.WARN
	case LevelError:
		return glog.ERROR
	case LevelFatal:
		return glog.OFF
	}
	return glog.INFO
}

func current() *glog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func Debugf(format string, v ...interface{}) { current().Debugf(format, v...) }

func Infof(format string, v ...interface{}) { current().Infof(format, v...) }

func Warnf(format string, v ...interface{}) { current().Warnf(format, v...) }

func Errorf(format string, v ...interface{}) { current().Errorf(format, v...) }

// Fatalf logs regardless of level and exits with status 1.
func Fatalf(format string, v ...interface{}) { current().Fatalf(format, v...) }

// Println logs at info level.
func Println(v ...interface{}) {
	current().Info(strings.TrimSuffix(fmt.Sprintln(v...), "\n"))
}

func Debug(v string) { Debugf("%s", v) }
func Info(v string)  { Infof("%s", v) }
func Warn(v string)  { Warnf("%s", v) }
func Error(v string) { Errorf("%s", v) }

// LevelString returns the current level as text.
func LevelString() string {
	mu.RLock()
	defer mu.RUnlock()
	switch level {
	case LevelDebug:
		return "debug"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	case LevelFatal:
		return "fatal"
	}
	return "info"
}
