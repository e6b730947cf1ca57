package spvd

import (
	"io"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/addrmgr"
	"github.com/btcsuite/btcd/connmgr"
	"github.com/btcsuite/btclog/v2"
	"github.com/lightningnetwork/spvd/blockvalidator"
	"github.com/lightningnetwork/spvd/build"
	"github.com/lightningnetwork/spvd/chainstore"
	"github.com/lightningnetwork/spvd/hostsupply"
	"github.com/lightningnetwork/spvd/masternode"
	"github.com/lightningnetwork/spvd/merkleblock"
	"github.com/lightningnetwork/spvd/peer"
	"github.com/lightningnetwork/spvd/peergroup"
	"github.com/lightningnetwork/spvd/signal"
	"github.com/lightningnetwork/spvd/spvwire"
	"github.com/lightningnetwork/spvd/syncer"
	"github.com/lightningnetwork/spvd/tasks"
)

// Subsystem is the logging tag of the daemon itself.
const Subsystem = "SPVD"

// spvdLog is the logger of the daemon. It is replaced by SetupLoggers once
// the configuration is known.
var spvdLog = build.NewSubLogger(Subsystem, nil)

// genSubLogger returns a function that creates a sub-logger writing through
// root which requests a shutdown on critical errors.
func genSubLogger(root *build.SubLoggerManager,
	interceptor signal.Interceptor) func(string) btclog.Logger {

	return func(tag string) btclog.Logger {
		return build.NewShutdownLogger(
			root.GenSubLogger(tag), interceptor.RequestShutdown,
		)
	}
}

// SetupLoggers initializes all package-global logger variables.
func SetupLoggers(root *build.SubLoggerManager,
	interceptor signal.Interceptor) {

	genLogger := genSubLogger(root, interceptor)

	spvdLog = build.NewSubLogger(Subsystem, genLogger)

	AddSubLogger(root, signal.Subsystem, interceptor, signal.UseLogger)
	AddSubLogger(root, "CMGR", interceptor, func(l btclog.Logger) {
		connmgr.UseLogger(l)
	})
	AddSubLogger(root, "AMGR", interceptor, func(l btclog.Logger) {
		addrmgr.UseLogger(l)
	})

	AddSubLogger(root, peer.Subsystem, interceptor, peer.UseLogger)
	AddSubLogger(
		root, peergroup.Subsystem, interceptor, peergroup.UseLogger,
	)
	AddSubLogger(root, tasks.Subsystem, interceptor, tasks.UseLogger)
	AddSubLogger(
		root, blockvalidator.Subsystem, interceptor,
		blockvalidator.UseLogger,
	)
	AddSubLogger(
		root, merkleblock.Subsystem, interceptor, merkleblock.UseLogger,
	)
	AddSubLogger(
		root, masternode.Subsystem, interceptor, masternode.UseLogger,
	)
	AddSubLogger(root, syncer.Subsystem, interceptor, syncer.UseLogger)
	AddSubLogger(
		root, hostsupply.Subsystem, interceptor, hostsupply.UseLogger,
	)
	AddSubLogger(
		root, chainstore.Subsystem, interceptor, chainstore.UseLogger,
	)
	AddSubLogger(root, spvwire.Subsystem, interceptor, spvwire.UseLogger)
}

// AddSubLogger is a helper method to conveniently create and register the
// logger of one or more sub systems.
func AddSubLogger(root *build.SubLoggerManager, subsystem string,
	interceptor signal.Interceptor, useLoggers ...func(btclog.Logger)) {

	// genSubLogger will return a callback for creating a logger instance,
	// which we will give to the root logger.
	genLogger := genSubLogger(root, interceptor)

	// Create and register just a single logger to prevent them from
	// overwriting each other internally.
	logger := build.NewSubLogger(subsystem, genLogger)
	SetSubLogger(root, subsystem, logger, useLoggers...)
}

// SetSubLogger is a helper method to conveniently register the logger of a
// sub system.
func SetSubLogger(root *build.SubLoggerManager, subsystem string,
	logger btclog.Logger, useLoggers ...func(btclog.Logger)) {

	root.RegisterSubLogger(subsystem, logger)
	for _, useLogger := range useLoggers {
		useLogger(logger)
	}
}

// newLogHandler creates the handler all sub-loggers write through. Which of
// the console and the rotating log file are used depends on the build's
// logging type and the configuration.
func newLogHandler(cfg *build.LogConfig,
	logWriter *build.RotatingLogWriter) btclog.Handler {

	var writers []io.Writer
	if build.LoggingType != build.LogTypeNone && !cfg.Console.Disable {
		writers = append(writers, os.Stdout)
	}
	if build.LoggingType == build.LogTypeDefault && !cfg.File.Disable {
		writers = append(writers, logWriter)
	}

	return btclog.NewDefaultHandler(
		io.MultiWriter(writers...), cfg.Console.HandlerOptions()...,
	)
}

// initLogging sets up the log rotator and the sub-loggers of every package
// and applies the configured levels.
func initLogging(cfg *Config, interceptor signal.Interceptor) (
	*build.RotatingLogWriter, error) {

	logWriter := build.NewRotatingLogWriter()
	if !cfg.LogConfig.File.Disable {
		err := logWriter.InitLogRotator(
			cfg.LogConfig.File,
			filepath.Join(cfg.LogDir, defaultLogFilename),
		)
		if err != nil {
			return nil, err
		}
	}

	root := build.NewSubLoggerManager(newLogHandler(
		cfg.LogConfig, logWriter,
	))
	SetupLoggers(root, interceptor)

	err := build.ParseAndSetDebugLevels(cfg.DebugLevel, root)
	if err != nil {
		_ = logWriter.Close()
		return nil, err
	}

	return logWriter, nil
}
