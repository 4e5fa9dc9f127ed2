// Package logging provides level-based logging for the coordinator daemon.
package logging

import (
	"io"
	"log"
	"os"
)

// Logger provides level-based logging functionality.
type Logger struct {
	debugEnabled bool
	infoLogger   *log.Logger
	debugLogger  *log.Logger
}

var globalLogger *Logger

// Initialize sets up the global logger with debug mode setting.
// All logging goes to stderr so stdout stays free for job output.
func Initialize(debugMode bool) {
	var output io.Writer = os.Stderr

	globalLogger = &Logger{
		debugEnabled: debugMode,
		infoLogger:   log.New(output, "", log.LstdFlags),
		debugLogger:  log.New(output, "", log.LstdFlags),
	}
}

func ensure() {
	if globalLogger == nil {
		Initialize(false)
	}
}

// Info logs informational messages (always shown).
func Info(format string, args ...interface{}) {
	ensure()
	globalLogger.infoLogger.Printf(format, args...)
}

// Debug logs debug messages (only shown when debug mode is enabled).
func Debug(format string, args ...interface{}) {
	ensure()
	if globalLogger.debugEnabled {
		globalLogger.debugLogger.Printf("DEBUG: "+format, args...)
	}
}

// Error logs error messages (always shown).
func Error(format string, args ...interface{}) {
	ensure()
	globalLogger.infoLogger.Printf("ERROR: "+format, args...)
}

// IsDebugEnabled returns true if debug logging is enabled.
func IsDebugEnabled() bool {
	ensure()
	return globalLogger.debugEnabled
}
