//go:build stdlog

package build

import "os"

// LoggingType reports that stdlog builds only log to the console.
const LoggingType = LogTypeStdOut

// Write sends b to stdout. The rotator and the console and file toggles of
// the writer are ignored.
func (w *LogWriter) Write(b []byte) (int, error) {
	_, _ = os.Stdout.Write(b)
	return len(b), nil
}
