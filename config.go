package chainsync

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	flags "github.com/jessevdk/go-flags"
	"github.com/lightninglabs/chainsync/build"
	"github.com/lightninglabs/chainsync/keychain"
	"github.com/lightninglabs/chainsync/signal"
	"github.com/lightninglabs/chainsync/synccfg"
	"github.com/lightninglabs/chainsync/wallet"
)

const (
	defaultDataDirname    = "data"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "chainsync.log"
	defaultLogLevel       = "info"
	defaultNetwork        = "mainnet"
	defaultBackend        = esploraBackend
	esploraBackend        = "esplora"
	electrumBackend       = "electrum"
	defaultConfigFilename = synccfg.DefaultConfigFilename
)

var (
	// DefaultChainsyncDir is the default directory where chainsync tries
	// to find its configuration file and store its data. This is a
	// directory in the user's application data, for example:
	//   C:\Users\<username>\AppData\Local\Chainsync on Windows
	//   ~/.chainsync on Linux
	//   ~/Library/Application Support/Chainsync on MacOS
	DefaultChainsyncDir = btcutil.AppDataDir("chainsync", false)

	// DefaultConfigFile is the default full path of chainsync's
	// configuration file.
	DefaultConfigFile = filepath.Join(
		DefaultChainsyncDir, defaultConfigFilename,
	)

	defaultDataDir = filepath.Join(DefaultChainsyncDir, defaultDataDirname)
	defaultLogDir  = filepath.Join(DefaultChainsyncDir, defaultLogDirname)

	// ErrNoDescriptor is returned when no external descriptor is set.
	ErrNoDescriptor = errors.New("an external descriptor must be set")
)

// Config defines the configuration options for chainsync.
//
// See LoadConfig for further details regarding the configuration loading+
// parsing process.
//
//nolint:ll
type Config struct {
	ShowVersion bool `short:"V" long:"version" description:"Display version information and exit"`

	ChainsyncDir string `long:"chainsyncdir" description:"The base directory that contains chainsync's data, logs, configuration file, etc."`
	ConfigFile   string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir      string `short:"b" long:"datadir" description:"The directory to store chainsync's data within"`
	LogDir       string `long:"logdir" description:"Directory to log output."`

	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <global-level>,<subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	Network string `long:"network" description:"The bitcoin network to follow." choice:"mainnet" choice:"testnet3" choice:"signet" choice:"regtest" choice:"simnet"`

	Backend string `long:"backend" description:"The chain source to sync from." choice:"esplora" choice:"electrum"`

	ExternalDescriptor string `long:"externaldesc" description:"The descriptor of the receive keychain, e.g. wpkh(xpub.../0/*)."`
	InternalDescriptor string `long:"internaldesc" description:"The descriptor of the change keychain, e.g. wpkh(xpub.../1/*). Optional."`

	Esplora *synccfg.Esplora `group:"esplora" namespace:"esplora"`

	Electrum *synccfg.Electrum `group:"electrum" namespace:"electrum"`

	DB *synccfg.DB `group:"db" namespace:"db"`

	Scan *synccfg.Scan `group:"scan" namespace:"scan"`

	Prometheus *synccfg.Prometheus `group:"prometheus" namespace:"prometheus"`

	HealthChecks *synccfg.HealthCheckConfig `group:"healthcheck" namespace:"healthcheck"`

	LogConfig *build.LogConfig `group:"logging" namespace:"logging"`

	// LogRotator is the file writer of the log. It is set by
	// DefaultConfig.
	LogRotator *build.RotatingLogWriter

	// SubLogMgr is the manager of all subsystem loggers. It is set once
	// logging is initialized.
	SubLogMgr *build.SubLoggerManager

	// params holds the parameters of the selected network.
	params netParams
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	return Config{
		ChainsyncDir: DefaultChainsyncDir,
		ConfigFile:   DefaultConfigFile,
		DataDir:      defaultDataDir,
		LogDir:       defaultLogDir,
		DebugLevel:   build.DefaultLogLevel(defaultLogLevel),
		Network:      defaultNetwork,
		Backend:      defaultBackend,
		Esplora:      synccfg.DefaultEsploraConfig(),
		Electrum:     synccfg.DefaultElectrumConfig(),
		DB:           synccfg.DefaultDB(),
		Scan:         synccfg.DefaultScan(),
		Prometheus:   synccfg.DefaultPrometheus(),
		HealthChecks: synccfg.DefaultHealthCheck(),
		LogConfig:    build.DefaultLogConfig(),
		LogRotator:   build.NewRotatingLogWriter(),
	}
}

// LoadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func LoadConfig(interceptor signal.Interceptor) (*Config, error) {
	// Pre-parse the command line options to pick up an alternative config
	// file.
	preCfg := DefaultConfig()
	if _, err := flags.Parse(&preCfg); err != nil {
		return nil, err
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", build.Version(),
			"commit="+build.Commit)
		os.Exit(0)
	}

	// Next, load any additional configuration options from the file.
	cfg := preCfg
	configFileError := parseConfigFile(&cfg)
	if _, ok := configFileError.(*flags.IniError); ok {
		return nil, configFileError
	}

	// Finally, parse the remaining command line options again to ensure
	// they take precedence.
	if _, err := flags.Parse(&cfg); err != nil {
		return nil, err
	}

	// Make sure everything we just loaded makes sense.
	cleanCfg, err := ValidateConfig(cfg)
	if err != nil {
		return nil, err
	}

	if err := cleanCfg.initLogging(interceptor); err != nil {
		return nil, err
	}

	// Warn about missing config file only after all other configuration is
	// done. This prevents the warning on help messages and invalid
	// options. Note this should go directly before the return.
	if configFileError != nil {
		log.Warnf("%v", configFileError)
	}

	return cleanCfg, nil
}

// LoadConfigFile loads the configuration from the file inside chainsyncDir,
// or from configFile if set, without touching the command line or the
// loggers. The override function is applied after parsing the file and may be
// nil.
func LoadConfigFile(chainsyncDir, configFile string,
	override func(*Config)) (*Config, error) {

	cfg := DefaultConfig()
	if chainsyncDir != "" {
		cfg.ChainsyncDir = chainsyncDir
		cfg.ConfigFile = ""
	}
	if configFile != "" {
		cfg.ConfigFile = configFile
	}

	err := parseConfigFile(&cfg)
	if _, ok := err.(*flags.IniError); ok {
		return nil, err
	}

	if override != nil {
		override(&cfg)
	}

	return ValidateConfig(cfg)
}

// parseConfigFile applies the config file to cfg. An unset ConfigFile
// resolves to the file inside ChainsyncDir.
func parseConfigFile(cfg *Config) error {
	// If the config file path has not been modified by the user, then
	// we'll use the default config file path. However, if the user has
	// modified their chainsync dir, then we should assume they intend to
	// use the config file within it.
	configFileDir := synccfg.CleanAndExpandPath(cfg.ChainsyncDir)
	configFilePath := synccfg.CleanAndExpandPath(cfg.ConfigFile)
	if configFilePath == "" || (configFileDir != DefaultChainsyncDir &&
		configFilePath == DefaultConfigFile) {

		configFilePath = filepath.Join(
			configFileDir, defaultConfigFilename,
		)
	}
	cfg.ConfigFile = configFilePath

	return flags.IniParse(configFilePath, cfg)
}

// ValidateConfig check the given configuration to be sane. This makes sure no
// illegal values or combination of values are set. All file system paths are
// normalized. The cleaned up config is returned on success.
func ValidateConfig(cfg Config) (*Config, error) {
	// If the provided chainsync directory is not the default, we'll modify
	// the path to all of the files and directories that will live within
	// it.
	chainsyncDir := synccfg.CleanAndExpandPath(cfg.ChainsyncDir)
	if chainsyncDir != DefaultChainsyncDir {
		if cfg.DataDir == defaultDataDir {
			cfg.DataDir = filepath.Join(
				chainsyncDir, defaultDataDirname,
			)
		}
		if cfg.LogDir == defaultLogDir {
			cfg.LogDir = filepath.Join(
				chainsyncDir, defaultLogDirname,
			)
		}
	}
	cfg.ChainsyncDir = chainsyncDir
	cfg.DataDir = synccfg.CleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = synccfg.CleanAndExpandPath(cfg.LogDir)
	cfg.Electrum.TLSCertPath = synccfg.CleanAndExpandPath(
		cfg.Electrum.TLSCertPath,
	)

	params, err := paramsForNetwork(cfg.Network)
	if err != nil {
		return nil, err
	}
	cfg.params = params

	if cfg.ExternalDescriptor == "" {
		return nil, ErrNoDescriptor
	}

	// Only the selected chain source has to be usable.
	var backendCfg synccfg.Validator
	switch cfg.Backend {
	case esploraBackend:
		if cfg.Esplora.URL == "" {
			cfg.Esplora.URL = params.esploraURL
		}
		backendCfg = cfg.Esplora

	case electrumBackend:
		backendCfg = cfg.Electrum

	default:
		return nil, fmt.Errorf("unknown backend %q, must be %q or %q",
			cfg.Backend, esploraBackend, electrumBackend)
	}

	err = synccfg.Validate(
		backendCfg, cfg.DB, cfg.Scan, cfg.Prometheus, cfg.HealthChecks,
		cfg.LogConfig,
	)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

// initLogging sets up the subsystem loggers, the log file rotator and the
// configured debug levels.
func (c *Config) initLogging(interceptor signal.Interceptor) error {
	logWriter := &build.LogWriter{Rotator: c.LogRotator}
	c.SubLogMgr = build.NewSubLoggerManager(
		build.NewDefaultLogHandler(c.LogConfig, logWriter),
	)
	SetupLoggers(c.SubLogMgr, interceptor)

	// Special show command to list supported subsystems and exit.
	if c.DebugLevel == "show" {
		fmt.Println("Supported subsystems",
			c.SubLogMgr.SupportedSubsystems())
		os.Exit(0)
	}

	logFile := filepath.Join(
		c.LogDir, synccfg.NormalizeNetwork(c.Network),
		defaultLogFilename,
	)
	err := c.LogRotator.InitLogRotator(c.LogConfig.File, logFile)
	if err != nil {
		return fmt.Errorf("unable to initialize log rotator: %w", err)
	}

	err = build.ParseAndSetDebugLevels(c.DebugLevel, c.SubLogMgr)
	if err != nil {
		return err
	}

	return nil
}

// ChainParams returns the parameters of the configured network.
func (c *Config) ChainParams() *chaincfg.Params {
	return c.params.Params
}

// NetworkDir returns the data directory of the configured network.
func (c *Config) NetworkDir() string {
	return filepath.Join(c.DataDir, synccfg.NormalizeNetwork(c.Network))
}

// Keychains parses the configured descriptors.
func (c *Config) Keychains() (map[keychain.KeychainKind]keychain.Descriptor,
	error) {

	keychains := make(map[keychain.KeychainKind]keychain.Descriptor)

	external, err := keychain.ParseDescriptor(
		c.ExternalDescriptor, c.ChainParams(),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid external descriptor: %w", err)
	}
	keychains[keychain.External] = external

	if c.InternalDescriptor != "" {
		internal, err := keychain.ParseDescriptor(
			c.InternalDescriptor, c.ChainParams(),
		)
		if err != nil {
			return nil, fmt.Errorf("invalid internal descriptor: "+
				"%w", err)
		}
		keychains[keychain.Internal] = internal
	}

	return keychains, nil
}

// ScanOptions returns the discovery parameters of rounds.
func (c *Config) ScanOptions() wallet.ScanOptions {
	return wallet.ScanOptions{
		StopGap:   uint32(c.Scan.StopGap),
		BatchSize: c.Scan.BatchSize,
		Rescan:    c.Scan.Rescan,
	}
}

// SyncOptions returns the elements checked by sync rounds.
func (c *Config) SyncOptions() wallet.SyncOptions {
	if !c.Scan.AllSpks {
		return wallet.SyncOptions{}
	}

	return wallet.SyncOptions{
		AllSpks:     true,
		UTXOs:       true,
		Unconfirmed: true,
	}
}
