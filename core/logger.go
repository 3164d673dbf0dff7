package core

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

var levelRank = map[string]int{
	"debug": 0,
	"info":  1,
	"warn":  2,
	"error": 3,
}

// StdLogger writes JSON lines to a writer. Safe for concurrent use.
type StdLogger struct {
	mu    sync.Mutex
	out   io.Writer
	level int
}

// NewStdLogger creates a logger writing to stderr at the given level
// ("debug", "info", "warn", "error"). Unknown levels default to info.
func NewStdLogger(level string) *StdLogger {
	rank, ok := levelRank[level]
	if !ok {
		rank = levelRank["info"]
	}
	return &StdLogger{out: os.Stderr, level: rank}
}

// SetOutput redirects log output, used by tests.
func (l *StdLogger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out = w
}

func (l *StdLogger) Info(msg string, fields map[string]interface{})  { l.log("info", msg, fields) }
func (l *StdLogger) Warn(msg string, fields map[string]interface{})  { l.log("warn", msg, fields) }
func (l *StdLogger) Error(msg string, fields map[string]interface{}) { l.log("error", msg, fields) }
func (l *StdLogger) Debug(msg string, fields map[string]interface{}) { l.log("debug", msg, fields) }

func (l *StdLogger) log(level, msg string, fields map[string]interface{}) {
	if levelRank[level] < l.level {
		return
	}
	entry := make(map[string]interface{}, len(fields)+3)
	for k, v := range fields {
		entry[k] = v
	}
	entry["time"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = level
	entry["message"] = msg

	l.mu.Lock()
	defer l.mu.Unlock()
	if data, err := json.Marshal(entry); err == nil {
		fmt.Fprintln(l.out, string(data))
	} else {
		fmt.Fprintf(l.out, "%s %s %s (unserializable fields)\n", entry["time"], level, msg)
	}
}
