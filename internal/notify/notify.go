// Package notify records out-of-band notification events. Delivery is an
// external collaborator's job; the core only appends records to a single
// sink file under the build root.
package notify

import (
	"fmt"
	"log"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Sink rotation thresholds.
const (
	sinkMaxSizeMB = 2
	sinkBackups   = 2
)

// Notifier appends (title, message) records to the notification sink.
type Notifier struct {
	mu     sync.Mutex
	writer *lumberjack.Logger
}

// New creates a notifier writing to the given sink path.
func New(path string) *Notifier {
	return &Notifier{
		writer: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    sinkMaxSizeMB,
			MaxBackups: sinkBackups,
		},
	}
}

// Notify appends one record. Notification is best-effort; a failed append
// never fails the action it describes.
func (n *Notifier) Notify(title, message string) {
	line := fmt.Sprintf("[%s] %s: %s\n",
		time.Now().UTC().Format("2006-01-02T15:04:05Z"), title, message)

	n.mu.Lock()
	defer n.mu.Unlock()
	if _, err := n.writer.Write([]byte(line)); err != nil {
		log.Printf("[notify] warning: %v", err)
	}
}
