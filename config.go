package bitmask

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/bitmask/vaultd/build"
	"github.com/bitmask/vaultd/indexer"
	"github.com/bitmask/vaultd/walletview"
	"github.com/bitmask/vaultd/walletview/esplora"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "bitmask.conf"
	defaultDataDirname    = "data"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "bitmask.log"
	defaultNetwork        = "testnet"
	defaultIndexerURL     = "http://localhost:3001"
	defaultRegtestEsplora = "http://localhost:3002"
)

var (
	// DefaultBitmaskDir is the default directory of the daemon's files.
	DefaultBitmaskDir = btcutil.AppDataDir("bitmask", false)

	// DefaultConfigFile is the default full path of the config file.
	DefaultConfigFile = filepath.Join(
		DefaultBitmaskDir, defaultConfigFilename,
	)

	defaultDataDir = filepath.Join(DefaultBitmaskDir, defaultDataDirname)
	defaultLogDir  = filepath.Join(DefaultBitmaskDir, defaultLogDirname)

	// esploraURLs are the public Esplora instances of each network.
	esploraURLs = map[string]string{
		"mainnet": "https://blockstream.info/api",
		"testnet": "https://blockstream.info/testnet/api",
		"signet":  "https://mempool.space/signet/api",
		"regtest": defaultRegtestEsplora,
	}
)

// IndexerConfig holds the options of the asset indexing service.
//
//nolint:lll
type IndexerConfig struct {
	URL     string        `long:"url" description:"Base URL of the asset indexing service"`
	Timeout time.Duration `long:"timeout" description:"Timeout of a single request to the indexing service"`
}

// EsploraConfig holds the options of the Esplora chain backend.
//
//nolint:lll
type EsploraConfig struct {
	URL        string        `long:"url" description:"Base URL of the Esplora API, defaults to a public instance of the network"`
	Timeout    time.Duration `long:"timeout" description:"Timeout of a single request to the Esplora API"`
	MaxRetries int           `long:"maxretries" description:"Number of retries of a failed read request"`
}

// WalletConfig holds the options of the descriptor wallets.
//
//nolint:lll
type WalletConfig struct {
	GapLimit   uint32 `long:"gaplimit" description:"Number of unused addresses scanned past the last used one"`
	ConfTarget uint32 `long:"conftarget" description:"Confirmation target used for fee estimation"`
	FeeRate    uint64 `long:"feerate" description:"Fee rate in sat/vbyte, used when the chain backend cannot estimate one"`
}

// Config is the configuration of a vault daemon.
//
//nolint:lll
type Config struct {
	BitmaskDir string `long:"bitmaskdir" description:"The base directory that contains the daemon's data, logs and configuration file"`
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir    string `short:"b" long:"datadir" description:"The directory to store the vault database within"`
	LogDir     string `long:"logdir" description:"Directory to log output"`

	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <global-level>,<subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems"`

	Network string `long:"network" description:"The bitcoin network to operate on" choice:"mainnet" choice:"testnet" choice:"signet" choice:"regtest"`

	Indexer *IndexerConfig `group:"indexer" namespace:"indexer"`

	Esplora *EsploraConfig `group:"esplora" namespace:"esplora"`

	Wallet *WalletConfig `group:"wallet" namespace:"wallet"`

	LogRotator *build.FileLoggerConfig `group:"logging" namespace:"logging"`

	// ActiveNetParams are the parameters of Network, set by
	// ValidateConfig.
	ActiveNetParams *chaincfg.Params
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	return Config{
		BitmaskDir: DefaultBitmaskDir,
		ConfigFile: DefaultConfigFile,
		DataDir:    defaultDataDir,
		LogDir:     defaultLogDir,
		DebugLevel: build.LogLevel,
		Network:    defaultNetwork,
		Indexer: &IndexerConfig{
			URL:     defaultIndexerURL,
			Timeout: indexer.DefaultRequestTimeout,
		},
		Esplora: &EsploraConfig{
			Timeout:    esplora.DefaultRequestTimeout,
			MaxRetries: esplora.DefaultMaxRetries,
		},
		Wallet: &WalletConfig{
			GapLimit:   walletview.DefaultGapLimit,
			ConfTarget: walletview.DefaultConfTarget,
			FeeRate:    uint64(walletview.DefaultFeeRate),
		},
		LogRotator: build.DefaultFileLoggerConfig(),
	}
}

// LoadConfig initializes and parses the config using a config file and the
// given command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func LoadConfig(args []string) (*Config, error) {
	// Pre-parse the command line options to pick up an alternative config
	// file.
	preCfg := DefaultConfig()
	if _, err := newParser(&preCfg).ParseArgs(args); err != nil {
		return nil, err
	}

	// If the config file path has not been modified by the user, then we'll
	// use the default config file path. However, if the user has modified
	// their bitmask dir, then we should assume they intend to use the
	// config file within it.
	configFileDir := CleanAndExpandPath(preCfg.BitmaskDir)
	configFilePath := CleanAndExpandPath(preCfg.ConfigFile)
	if configFileDir != DefaultBitmaskDir &&
		configFilePath == DefaultConfigFile {

		configFilePath = filepath.Join(
			configFileDir, defaultConfigFilename,
		)
	}

	// Next, load any additional configuration options from the file.
	var configFileError error
	cfg := preCfg
	if err := flags.IniParse(configFilePath, &cfg); err != nil {
		// If it's a parsing related error, then we'll return
		// immediately, otherwise we can proceed as possibly the config
		// file doesn't exist which is OK.
		var iniErr *flags.IniError
		if errors.As(err, &iniErr) {
			return nil, err
		}

		configFileError = err
	}

	// Finally, parse the remaining command line options again to ensure
	// they take precedence.
	if _, err := newParser(&cfg).ParseArgs(args); err != nil {
		return nil, err
	}

	// Make sure everything we just loaded makes sense.
	cleanCfg, err := ValidateConfig(cfg)
	if err != nil {
		return nil, err
	}

	// Warn about missing config file only after all other configuration is
	// done.
	if configFileError != nil {
		bmskLog.Warnf("%v", configFileError)
	}

	return cleanCfg, nil
}

// newParser returns a parser of cfg that reports errors to the caller only.
func newParser(cfg *Config) *flags.Parser {
	return flags.NewParser(cfg, flags.HelpFlag|flags.PassDoubleDash)
}

// ValidateConfig check the given configuration to be sane. All file system
// paths are normalized, the network parameters are resolved and the debug
// levels are applied. The cleaned up config is returned on success.
func ValidateConfig(cfg Config) (*Config, error) {
	// If the provided bitmask directory is not the default, we'll modify
	// the path of the directories that live within it.
	bitmaskDir := CleanAndExpandPath(cfg.BitmaskDir)
	if bitmaskDir != DefaultBitmaskDir {
		if cfg.DataDir == defaultDataDir {
			cfg.DataDir = filepath.Join(bitmaskDir, defaultDataDirname)
		}
		if cfg.LogDir == defaultLogDir {
			cfg.LogDir = filepath.Join(bitmaskDir, defaultLogDirname)
		}
	}
	cfg.BitmaskDir = bitmaskDir
	cfg.DataDir = CleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = CleanAndExpandPath(cfg.LogDir)

	params, err := NetworkParams(cfg.Network)
	if err != nil {
		return nil, err
	}
	cfg.ActiveNetParams = params

	if cfg.Indexer.URL == "" {
		return nil, errors.New("indexer.url must be set")
	}
	if cfg.Indexer.Timeout <= 0 {
		return nil, fmt.Errorf("indexer.timeout must be positive, "+
			"got %v", cfg.Indexer.Timeout)
	}

	if cfg.Esplora.URL == "" {
		cfg.Esplora.URL = esploraURLs[cfg.Network]
	}
	if cfg.Esplora.Timeout <= 0 {
		return nil, fmt.Errorf("esplora.timeout must be positive, "+
			"got %v", cfg.Esplora.Timeout)
	}
	if cfg.Esplora.MaxRetries < 0 {
		return nil, fmt.Errorf("esplora.maxretries must not be "+
			"negative, got %v", cfg.Esplora.MaxRetries)
	}

	if cfg.Wallet.GapLimit == 0 {
		return nil, errors.New("wallet.gaplimit must be positive")
	}
	if cfg.Wallet.FeeRate == 0 {
		return nil, errors.New("wallet.feerate must be positive")
	}

	if !build.SupportedLogCompressor(cfg.LogRotator.Compressor) {
		return nil, fmt.Errorf("invalid value for log compressor: %v",
			cfg.LogRotator.Compressor)
	}

	// Parse, validate, and set debug log level(s).
	err = build.ParseAndSetDebugLevels(cfg.DebugLevel, logMgr)
	if err != nil {
		return nil, fmt.Errorf("error parsing debug level: %w", err)
	}

	return &cfg, nil
}

// NetworkParams returns the parameters of a network by name.
func NetworkParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil

	case "testnet":
		return &chaincfg.TestNet3Params, nil

	case "signet":
		return &chaincfg.SigNetParams, nil

	case "regtest":
		return &chaincfg.RegressionNetParams, nil

	default:
		return nil, fmt.Errorf("unknown network %q", network)
	}
}

// CleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
// This function is taken from https://github.com/btcsuite/btcd
func CleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		u, err := user.Current()
		if err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
