package build

import (
	"fmt"

	btclogv1 "github.com/btcsuite/btclog"
	"github.com/btcsuite/btclog/v2"
)

const (
	callSiteOff   = "off"
	callSiteShort = "short"
	callSiteLong  = "long"

	defaultLogCompressor = Gzip

	// DefaultMaxLogFiles is the default maximum number of log files to
	// keep.
	DefaultMaxLogFiles = 10

	// DefaultMaxLogFileSize is the default maximum log file size in MB.
	DefaultMaxLogFileSize = 20
)

// LogConfig holds logging configuration options.
//
//nolint:ll
type LogConfig struct {
	Console *ConsoleLoggerConfig `group:"console" namespace:"console" description:"The logger writing to stdout."`
	File    *FileLoggerConfig    `group:"file" namespace:"file" description:"The logger writing to the chainsync log file."`
}

// Validate validates the LogConfig struct values.
func (c *LogConfig) Validate() error {
	if !SupportedLogCompressor(c.File.Compressor) {
		return fmt.Errorf("invalid log compressor: %v",
			c.File.Compressor)
	}

	if c.File.MaxLogFiles < 0 {
		return fmt.Errorf("max log files must be >= 0, got %d",
			c.File.MaxLogFiles)
	}

	return nil
}

// LoggerConfig holds options for a particular logger.
//
//nolint:ll
type LoggerConfig struct {
	Disable      bool   `long:"disable" description:"Disable this logger."`
	NoTimestamps bool   `long:"no-timestamps" description:"Omit timestamps from log lines."`
	CallSite     string `long:"call-site" description:"Include the call-site of each log line." choice:"off" choice:"short" choice:"long"`
}

// ConsoleLoggerConfig extends LoggerConfig with console specific options.
//
//nolint:ll
type ConsoleLoggerConfig struct {
	LoggerConfig
	Style bool `long:"style" description:"If set, the output will be styled with color and fonts"`
}

// FileLoggerConfig extends LoggerConfig with specific log file options.
//
//nolint:ll
type FileLoggerConfig struct {
	LoggerConfig
	Compressor     string `long:"compressor" description:"Compression algorithm to use when rotating logs." choice:"gzip" choice:"zstd"`
	MaxLogFiles    int    `long:"max-files" description:"Maximum logfiles to keep (0 for no rotation)"`
	MaxLogFileSize int    `long:"max-file-size" description:"Maximum logfile size in MB"`
}

// DefaultLogConfig returns the default logging config options.
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		Console: &ConsoleLoggerConfig{
			LoggerConfig: LoggerConfig{
				CallSite: callSiteOff,
			},
		},
		File: &FileLoggerConfig{
			Compressor:     defaultLogCompressor,
			MaxLogFiles:    DefaultMaxLogFiles,
			MaxLogFileSize: DefaultMaxLogFileSize,
			LoggerConfig: LoggerConfig{
				CallSite: callSiteOff,
			},
		},
	}
}

// HandlerOptions returns the set of btclog.HandlerOptions that the state of the
// config struct translates to.
func (cfg *LoggerConfig) HandlerOptions() []btclog.HandlerOption {
	opts := []btclog.HandlerOption{
		// The handler is wrapped by the sub logger manager, so skip one
		// extra frame when resolving the call site.
		btclog.WithCallSiteSkipDepth(7),
	}

	if cfg.NoTimestamps {
		opts = append(opts, btclog.WithNoTimestamp())
	}

	switch cfg.CallSite {
	case callSiteShort:
		opts = append(opts, btclog.WithCallerFlags(btclog.Lshortfile))
	case callSiteLong:
		opts = append(opts, btclog.WithCallerFlags(btclog.Llongfile))
	}

	return opts
}

// HandlerOptions returns the console handler options, including styling.
func (cfg *ConsoleLoggerConfig) HandlerOptions() []btclog.HandlerOption {
	opts := cfg.LoggerConfig.HandlerOptions()
	if cfg.Style {
		opts = append(
			opts, btclog.WithStyledLevel(styleLevel),
			btclog.WithStyledCallSite(styleCallSite),
			btclog.WithStyledKeys(styleKey),
		)
	}

	return opts
}

const (
	ansiReset  = "\033[0m"
	ansiBold   = "\033[1m"
	ansiFaint  = "\033[2m"
	ansiRed    = "\033[31m"
	ansiYellow = "\033[33m"
	ansiBlue   = "\033[34m"
	ansiCyan   = "\033[36m"
)

func styleLevel(l btclogv1.Level) string {
	var color string
	switch l {
	case btclog.LevelTrace, btclog.LevelDebug:
		color = ansiFaint
	case btclog.LevelInfo:
		color = ansiBlue
	case btclog.LevelWarn:
		color = ansiYellow
	case btclog.LevelError, btclog.LevelCritical:
		color = ansiBold + ansiRed
	default:
		return l.String()
	}

	return color + l.String() + ansiReset
}

func styleCallSite(file string, line int) string {
	return fmt.Sprintf("%s%s:%d%s", ansiFaint, file, line, ansiReset)
}

func styleKey(key string) string {
	return ansiCyan + key + ansiReset
}
