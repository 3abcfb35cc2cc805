package bitmask

import (
	"path/filepath"

	"github.com/bitmask/vaultd/blinding"
	"github.com/bitmask/vaultd/build"
	"github.com/bitmask/vaultd/contract"
	"github.com/bitmask/vaultd/indexer"
	"github.com/bitmask/vaultd/seed"
	"github.com/bitmask/vaultd/transfer"
	"github.com/bitmask/vaultd/vault"
	"github.com/bitmask/vaultd/vaultdb"
	"github.com/bitmask/vaultd/walletview"
	"github.com/bitmask/vaultd/walletview/esplora"
	"github.com/bitmask/vaultd/walletview/memchain"
	"github.com/btcsuite/btclog"
)

// Loggers per subsystem. A single backend logger is created and all subsystem
// loggers created from it will write to the backend. When adding new
// subsystems, add the subsystem logger variable here and register it in
// init.
var (
	// logRotator receives a copy of every log line once InitLogging has
	// set up the log file.
	logRotator = build.NewRotatingLogWriter()

	logWriter = &build.LogWriter{Rotator: logRotator}

	// logMgr hands out the subsystem loggers and adjusts their levels.
	logMgr = build.NewSubLoggerManager(logWriter)

	bmskLog = addSubLogger("BMSK")
)

// Initialize package-global logger variables.
func init() {
	addSubLogger(vault.Subsystem, vault.UseLogger)
	addSubLogger(seed.Subsystem, seed.UseLogger)
	addSubLogger(walletview.Subsystem, walletview.UseLogger)
	addSubLogger(esplora.Subsystem, esplora.UseLogger)
	addSubLogger(memchain.Subsystem, memchain.UseLogger)
	addSubLogger(blinding.Subsystem, blinding.UseLogger)
	addSubLogger(contract.Subsystem, contract.UseLogger)
	addSubLogger(indexer.Subsystem, indexer.UseLogger)
	addSubLogger(transfer.Subsystem, transfer.UseLogger)
	addSubLogger(vaultdb.Subsystem, vaultdb.UseLogger)
}

// addSubLogger creates the logger of a subsystem, registers it with the
// manager and hands it to the given UseLogger functions.
func addSubLogger(subsystem string,
	useLoggers ...func(btclog.Logger)) btclog.Logger {

	logger := build.NewSubLogger(subsystem, logMgr.GenSubLogger)
	logMgr.RegisterSubLogger(subsystem, logger)
	for _, useLogger := range useLoggers {
		useLogger(logger)
	}

	return logger
}

// SupportedSubsystems returns the sorted names of the logging subsystems.
func SupportedSubsystems() []string {
	return logMgr.SupportedSubsystems()
}

// InitLogging starts writing the logs to a rotating file in the network's log
// directory. The returned writer must be closed on shutdown.
func InitLogging(cfg *Config) (*build.RotatingLogWriter, error) {
	logFile := filepath.Join(
		cfg.LogDir, cfg.ActiveNetParams.Name, defaultLogFilename,
	)
	if err := logRotator.InitLogRotator(cfg.LogRotator, logFile); err != nil {
		return nil, err
	}

	bmskLog.Infof("Logging to %v (%v build, %v output)", logFile,
		build.Deployment, build.LoggingType)

	return logRotator, nil
}

// logClosure is used to provide a closure over expensive logging operations so
// don't have to be performed when the logging level doesn't warrant it.
type logClosure func() string

// String invokes the underlying function and returns the result.
func (c logClosure) String() string {
	return c()
}

// newLogClosure returns a new closure over a function that returns a string
// which itself provides a Stringer interface so that it can be used with the
// logging system.
func newLogClosure(c func() string) logClosure {
	return logClosure(c)
}
