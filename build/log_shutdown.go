package build

import (
	"sync"

	"github.com/btcsuite/btclog/v2"
)

// ShutdownLogger requests a daemon shutdown after logging at critical level.
// A sub logger is wrapped with it when the daemon hands a shutdown function
// to the sub logger manager.
type ShutdownLogger struct {
	btclog.Logger

	once     sync.Once
	shutdown func()
}

// NewShutdownLogger wraps logger so that critical messages call shutdown.
func NewShutdownLogger(logger btclog.Logger, shutdown func()) *ShutdownLogger {
	return &ShutdownLogger{
		Logger:   logger,
		shutdown: shutdown,
	}
}

// requestShutdown calls the shutdown function on the first critical message
// only.
func (s *ShutdownLogger) requestShutdown() {
	s.once.Do(func() {
		s.Logger.Info("Critical error, requesting shutdown")
		s.shutdown()
	})
}

// Criticalf logs at critical level and requests a shutdown.
//
// NOTE: it is part of the btclog.Logger interface.
func (s *ShutdownLogger) Criticalf(format string, params ...any) {
	s.Logger.Criticalf(format, params...)
	s.requestShutdown()
}

// Critical logs at critical level and requests a shutdown.
//
// NOTE: it is part of the btclog.Logger interface.
func (s *ShutdownLogger) Critical(v ...any) {
	s.Logger.Critical(v...)
	s.requestShutdown()
}
