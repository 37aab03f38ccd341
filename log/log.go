package log

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// Log absolutely nothing
	LOGLEVEL_NONE int = iota
	// Log situations that are not expected to happen and
	// are difficult to handle (e.g. by closing the connection without further consideration)
	LOGLEVEL_ERRORS
	// Log non-critical situations that might happen, but shouldn't (e.g. answering with UNKNOWN_SERVICE)
	LOGLEVEL_WARNINGS
	// Log situations that are expected, but important for the operation
	LOGLEVEL_INFO
	// Log everything
	LOGLEVEL_DEBUG
)

func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.DisableStacktrace = true
	cfg.DisableCaller = true
	cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)

	l, err := cfg.Build()
	if err != nil {
		l = zap.NewNop()
	}
	SetLogger(l.Named("sessionrpc"))
	loglevel.Store(int32(LOGLEVEL_ERRORS))
}

var logger atomic.Pointer[zap.SugaredLogger]
var loglevel atomic.Int32

var loglevel_strings []string = []string{"none", "errors", "warnings", "info", "debug"}

func loglevel_to_string(ll int) string {
	if ll < 0 || ll >= len(loglevel_strings) {
		return "unknown"
	}
	return loglevel_strings[ll]
}

// Set the global RPC log level
func SetLoglevel(ll int) {
	loglevel.Store(int32(ll))
}

// Returns the global RPC log level
func Loglevel() int {
	return int(loglevel.Load())
}

// Parses a level name as used in configuration files ("none", "errors", "warnings", "info", "debug").
func ParseLoglevel(s string) (int, error) {
	for i, name := range loglevel_strings {
		if strings.EqualFold(name, strings.TrimSpace(s)) {
			return i, nil
		}
	}
	return LOGLEVEL_NONE, fmt.Errorf("unknown log level %q", s)
}

// Replace the sink all log lines are written to.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	logger.Store(l.Sugar())
}

// Performance-enhancer: Prevent unnecessary log calls
func IsLoggingEnabled(ll int) bool {
	return int(loglevel.Load()) >= ll
}

func CRPC_log(ll int, what ...interface{}) {
	if ll == LOGLEVEL_NONE || !IsLoggingEnabled(ll) {
		return
	}
	msg := strings.TrimSuffix(fmt.Sprintln(what...), "\n")
	l := logger.Load()

	switch ll {
	case LOGLEVEL_ERRORS:
		l.Error(msg)
	case LOGLEVEL_WARNINGS:
		l.Warn(msg)
	case LOGLEVEL_INFO:
		l.Info(msg)
	default:
		l.Debug(msg)
	}
}

// Flushes buffered log lines.
func Sync() error {
	return logger.Load().Sync()
}

func mapToChar(i int) byte {
	i = i % (10 + 26 + 26)
	if i < 10 {
		return byte('0' + i)
	} else if i < 10+26 {
		return byte('A' + i - 10)
	} else if i < 10+26+26 {
		return byte('a' + i - 10 - 26)
	}
	return byte('_')
}

// Returns a short random alphanumeric string.
// This is used to assign special tokens to RPCs in order to track them across log lines.
func GetLogToken() string {
	str := make([]byte, 6)
	for i := range str {
		str[i] = mapToChar(rand.IntN(10 + 26 + 26))
	}
	return string(str)
}
