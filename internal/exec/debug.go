package exec

import (
	"log"
	"os"
)

var debugEnabled = os.Getenv("V0_DEBUG") != ""

// debugLog writes a message when V0_DEBUG is set. External command
// invocations are the main thing worth tracing; components log their own
// decisions through their loggers.
func debugLog(format string, args ...any) {
	if debugEnabled {
		log.Printf(format, args...)
	}
}
