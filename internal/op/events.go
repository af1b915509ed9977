package op

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Event log rotation thresholds.
const (
	eventLogMaxSizeMB = 5
	eventLogBackups   = 3
)

var (
	eventLoggersMu sync.Mutex
	eventLoggers   = make(map[string]*lumberjack.Logger)
)

// EventLogPath returns the event log path for an operation.
func (s *Store) EventLogPath(name string) string {
	return filepath.Join(s.Dir(name), "logs", "events.log")
}

// eventLogger returns the rolling writer for an operation's event log.
// lumberjack rotates at the size threshold and keeps a bounded number of
// generations.
func (s *Store) eventLogger(name string) *lumberjack.Logger {
	path := s.EventLogPath(name)
	eventLoggersMu.Lock()
	defer eventLoggersMu.Unlock()
	if l, ok := eventLoggers[path]; ok {
		return l
	}
	l := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    eventLogMaxSizeMB,
		MaxBackups: eventLogBackups,
	}
	eventLoggers[path] = l
	return l
}

// AppendEvent records a line in the operation's event log:
// [YYYY-MM-DDTHH:MM:SSZ] <event>: <details>. Event logging is
// best-effort; a failed append never fails the mutation it describes.
func (s *Store) AppendEvent(name, event, details string) {
	line := fmt.Sprintf("[%s] %s: %s\n",
		time.Now().UTC().Format("2006-01-02T15:04:05Z"), event, details)
	if _, err := s.eventLogger(name).Write([]byte(line)); err != nil {
		log.Printf("[op] warning: append event for %s: %v", name, err)
	}
}
