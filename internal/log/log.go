// Package log provides the leveled, object-tagged logging used throughout
// evalgrid. It mirrors rclone's fs.Logf family: callers pass the thing they
// are logging about (rendered via its Stringer if it has one) alongside a
// format string, and output is gated by a package-global level.
package log

import (
	"fmt"
	"log"
	"os"
	"sync/atomic"
)

// Level is the verbosity of a log message, ordered least to most severe.
type Level int32

// Levels, lowest to highest severity.
const (
	DEBUG Level = iota
	INFO
	NOTICE
	ERROR
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case NOTICE:
		return "NOTICE"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

var level int32 = int32(NOTICE)

// SetLevel sets the minimum level that will be emitted.
func SetLevel(l Level) {
	atomic.StoreInt32(&level, int32(l))
}

// GetLevel returns the current minimum level.
func GetLevel() Level {
	return Level(atomic.LoadInt32(&level))
}

var output = log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)

func logf(l Level, object interface{}, format string, args ...interface{}) {
	if l < GetLevel() {
		return
	}
	prefix := fmt.Sprintf("%-6s", l.String())
	if object != nil {
		output.Printf(prefix+": %v: "+format, append([]interface{}{object}, args...)...)
		return
	}
	output.Printf(prefix+": "+format, args...)
}

// Debugf logs a debug-level message about object.
func Debugf(object interface{}, format string, args ...interface{}) { logf(DEBUG, object, format, args...) }

// Infof logs an info-level message about object.
func Infof(object interface{}, format string, args ...interface{}) { logf(INFO, object, format, args...) }

// Noticef logs a notice-level message about object. Notices are gated by
// the configured level like every other level; NOTICE is the default.
func Noticef(object interface{}, format string, args ...interface{}) {
	logf(NOTICE, object, format, args...)
}

// Errorf logs an error-level message about object.
func Errorf(object interface{}, format string, args ...interface{}) { logf(ERROR, object, format, args...) }
