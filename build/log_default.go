//go:build !stdlog && !nolog

package build

import "os"

// LoggingType is a log type that writes to both stdout and the log rotator, if
// present.
const LoggingType = LogTypeDefault

// Write writes the byte slice to both stdout and the log rotator, if present.
func (w *LogWriter) Write(b []byte) (int, error) {
	if !w.DisableConsole {
		_, _ = os.Stdout.Write(b)
	}
	if w.Rotator != nil && !w.DisableFile {
		_, _ = w.Rotator.Write(b)
	}

	return len(b), nil
}
