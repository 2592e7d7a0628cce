package common

import (
	"github.com/apex/log"
)

// LogLevel supported logging levels
type LogLevel string

const (
	// LogLevelDebug debug
	LogLevelDebug LogLevel = "debug"
	// LogLevelInfo info
	LogLevelInfo LogLevel = "info"
	// LogLevelWarn warn
	LogLevelWarn LogLevel = "warn"
	// LogLevelError error
	LogLevelError LogLevel = "error"
)

var apexLevels = map[LogLevel]log.Level{
	LogLevelDebug: log.DebugLevel,
	LogLevelInfo:  log.InfoLevel,
	LogLevelWarn:  log.WarnLevel,
	LogLevelError: log.ErrorLevel,
}

var levelWriters = map[LogLevel]func(entry *log.Entry, msg string){
	LogLevelDebug: func(entry *log.Entry, msg string) { entry.Debug(msg) },
	LogLevelInfo:  func(entry *log.Entry, msg string) { entry.Info(msg) },
	LogLevelWarn:  func(entry *log.Entry, msg string) { entry.Warn(msg) },
	LogLevelError: func(entry *log.Entry, msg string) { entry.Error(msg) },
}

// ApexLevel map to the apex log level. Unknown levels map to error.
func (l LogLevel) ApexLevel() log.Level {
	if lvl, ok := apexLevels[l]; ok {
		return lvl
	}
	return log.ErrorLevel
}

// LogAt write a log entry at the given level. Unknown levels are written as errors.
func LogAt(level LogLevel, entry *log.Entry, msg string) {
	writer, ok := levelWriters[level]
	if !ok {
		writer = levelWriters[LogLevelError]
	}
	writer(entry, msg)
}
