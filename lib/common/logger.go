package common

import (
	"fmt"
	"github.com/lni/dragonboat/v4/logger"
	"io"
	"log"
	"os"
	"strings"
)

// --------------------------------------------------------------------------
// Package Logger (implements dragonboats logger.ILogger)
// --------------------------------------------------------------------------

// dLockLogger writes the messages of one lock client package as
// "LEVEL | package | message" lines. Messages above the configured level are dropped.
type dLockLogger struct {
	name   string
	level  logger.LogLevel
	logger *log.Logger
}

func (l *dLockLogger) SetLevel(level logger.LogLevel) {
	l.level = level
}

func (l *dLockLogger) Debugf(format string, args ...interface{}) {
	l.logf(logger.DEBUG, format, args...)
}

func (l *dLockLogger) Infof(format string, args ...interface{}) {
	l.logf(logger.INFO, format, args...)
}

func (l *dLockLogger) Warningf(format string, args ...interface{}) {
	l.logf(logger.WARNING, format, args...)
}

func (l *dLockLogger) Errorf(format string, args ...interface{}) {
	l.logf(logger.ERROR, format, args...)
}

// Panicf panics regardless of the level, a lock client never continues after it.
func (l *dLockLogger) Panicf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l.logger.Printf("%-5s | %-8s | %s", "PANIC", l.name, msg)
	panic(msg)
}

func (l *dLockLogger) logf(level logger.LogLevel, format string, args ...interface{}) {
	if l.level < level {
		return
	}
	l.logger.Printf("%-5s | %-8s | %s", levelNames[level], l.name, fmt.Sprintf(format, args...))
}

var levelNames = map[logger.LogLevel]string{
	logger.DEBUG:   "DEBUG",
	logger.INFO:    "INFO",
	logger.WARNING: "WARN",
	logger.ERROR:   "ERROR",
}

// --------------------------------------------------------------------------
// Logger Factory
// --------------------------------------------------------------------------

// NewLoggerFactory returns a dragonboat logger factory whose loggers write to w.
// New loggers start at level INFO.
func NewLoggerFactory(w io.Writer) logger.Factory {
	return func(pkgName string) logger.ILogger {
		return &dLockLogger{
			name:   pkgName,
			level:  logger.INFO,
			logger: log.New(w, "", log.Ldate|log.Ltime|log.Lmicroseconds),
		}
	}
}

// CreateLogger creates the logger of a package. It writes to stderr, stdout belongs
// to the command run under the lock and to the output of the dlock commands.
func CreateLogger(pkgName string) logger.ILogger {
	return NewLoggerFactory(os.Stderr)(pkgName)
}

// --------------------------------------------------------------------------
// Levels
// --------------------------------------------------------------------------

// PackageLoggers lists the loggers of the lock client. InitLoggers only sets the
// level of these, loggers of other packages keep the dragonboat default.
var PackageLoggers = []string{
	"lockmgr",
	"watchdog",
	"channel",
	"connmgr",
	"replica",
	"rstore",
	"lstore",
}

// ParseLogLevel converts the log level of the configuration to a logger.LogLevel
func ParseLogLevel(level string) (logger.LogLevel, error) {
	switch strings.ToLower(level) {
	case "debug":
		return logger.DEBUG, nil
	case "info":
		return logger.INFO, nil
	case "warning", "warn":
		return logger.WARNING, nil
	case "error":
		return logger.ERROR, nil
	default:
		return 0, fmt.Errorf("invalid log level: %s. must be one of debug, info, warn, error", level)
	}
}

// InitLoggers routes all package loggers to stderr and sets their level.
// Loggers pick up the factory on their first message, so it must be called once
// before the lock client logs.
func InitLoggers(level string) error {
	lvl, err := ParseLogLevel(level)
	if err != nil {
		return err
	}

	logger.SetLoggerFactory(CreateLogger)

	for _, name := range PackageLoggers {
		logger.GetLogger(name).SetLevel(lvl)
	}
	return nil
}
