package build

import (
	"sort"
	"sync"

	"github.com/btcsuite/btclog/v2"
)

// SubLoggerManager hands out subsystem loggers that all share one handler and
// keeps track of them so their levels can be adjusted at runtime.
type SubLoggerManager struct {
	genLogger btclog.Logger

	loggers SubLoggers
	mu      sync.Mutex
}

// A compile time check to ensure SubLoggerManager implements the
// LeveledSubLogger interface.
var _ LeveledSubLogger = (*SubLoggerManager)(nil)

// NewSubLoggerManager constructs a SubLoggerManager writing through handler.
func NewSubLoggerManager(handler btclog.Handler) *SubLoggerManager {
	return &SubLoggerManager{
		genLogger: btclog.NewSLogger(handler),
		loggers:   make(SubLoggers),
	}
}

// NewDefaultLogHandler returns a handler that writes every log line through
// w, using the console options of cfg.
func NewDefaultLogHandler(cfg *LogConfig, w *LogWriter) btclog.Handler {
	w.DisableConsole = cfg.Console.Disable
	w.DisableFile = cfg.File.Disable

	return btclog.NewDefaultHandler(w, cfg.Console.HandlerOptions()...)
}

// GenSubLogger creates a new sub-logger tagged with subsystem. If shutdown is
// non-nil, critical log lines also request a shutdown.
func (r *SubLoggerManager) GenSubLogger(subsystem string,
	shutdown func()) btclog.Logger {

	logger := r.genLogger.SubSystem(subsystem)
	if shutdown != nil {
		return NewShutdownLogger(logger, shutdown)
	}

	return logger
}

// RegisterSubLogger registers the logger for subsystem and hands it to the
// package that owns the subsystem.
func (r *SubLoggerManager) RegisterSubLogger(subsystem string,
	logger btclog.Logger, useLogger func(btclog.Logger)) {

	r.mu.Lock()
	r.loggers[subsystem] = logger
	r.mu.Unlock()

	if useLogger != nil {
		useLogger(logger)
	}
}

// SubLoggers returns all currently registered subsystem loggers.
//
// NOTE: This is part of the LeveledSubLogger interface.
func (r *SubLoggerManager) SubLoggers() SubLoggers {
	r.mu.Lock()
	defer r.mu.Unlock()

	loggers := make(SubLoggers, len(r.loggers))
	for id, logger := range r.loggers {
		loggers[id] = logger
	}

	return loggers
}

// SupportedSubsystems returns a sorted string slice of all keys in the
// subsystems map, corresponding to the names of the subsystems.
//
// NOTE: This is part of the LeveledSubLogger interface.
func (r *SubLoggerManager) SupportedSubsystems() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	subsystems := make([]string, 0, len(r.loggers))
	for subsysID := range r.loggers {
		subsystems = append(subsystems, subsysID)
	}
	sort.Strings(subsystems)

	return subsystems
}

// SetLogLevel sets the logging level for provided subsystem. Invalid
// subsystems are ignored.
//
// NOTE: This is part of the LeveledSubLogger interface.
func (r *SubLoggerManager) SetLogLevel(subsystemID string, logLevel string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.setLogLevelUnsafe(subsystemID, logLevel)
}

// SetLogLevels sets the log level for all subsystem loggers to the passed
// level.
//
// NOTE: This is part of the LeveledSubLogger interface.
func (r *SubLoggerManager) SetLogLevels(logLevel string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for subsystemID := range r.loggers {
		r.setLogLevelUnsafe(subsystemID, logLevel)
	}
}

// setLogLevelUnsafe must be called with the mutex held.
func (r *SubLoggerManager) setLogLevelUnsafe(subsystemID, logLevel string) {
	logger, ok := r.loggers[subsystemID]
	if !ok {
		return
	}

	// Defaults to info if the log level is invalid.
	level, _ := btclog.LevelFromString(logLevel)
	logger.SetLevel(level)
}
