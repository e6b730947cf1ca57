package spvd

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/spvd/build"
	"github.com/lightningnetwork/spvd/chainreg"
	"github.com/lightningnetwork/spvd/peer"
	"github.com/lightningnetwork/spvd/peergroup"
)

const (
	defaultConfigFilename = "spvd.conf"
	defaultDataDirname    = "data"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "spvd.log"
	defaultLogLevel       = "info"
	defaultNetwork        = string(chainreg.Bitcoin)
	defaultHeaderCache    = 2048
	defaultTaskQueueSize  = 100
	defaultPromListen     = "127.0.0.1:8989"
)

var (
	// DefaultSpvdDir is the default directory where spvd keeps its files.
	DefaultSpvdDir = btcutil.AppDataDir(build.AppName, false)

	// DefaultConfigFile is the default full path of spvd's configuration
	// file.
	DefaultConfigFile = filepath.Join(DefaultSpvdDir, defaultConfigFilename)

	defaultDataDir = filepath.Join(DefaultSpvdDir, defaultDataDirname)
	defaultLogDir  = filepath.Join(DefaultSpvdDir, defaultLogDirname)
)

// PeerConfig holds the timeouts of the peer sessions.
//
//nolint:lll
type PeerConfig struct {
	IdleTimeout      time.Duration `long:"idletimeout" description:"Ping a peer after it has been quiet for this long"`
	PongTimeout      time.Duration `long:"pongtimeout" description:"Disconnect a peer that does not answer a ping within this time"`
	HandshakeTimeout time.Duration `long:"handshaketimeout" description:"Disconnect a peer that does not complete the version handshake within this time"`
}

// PrometheusConfig holds the options of the metrics exporter.
//
//nolint:lll
type PrometheusConfig struct {
	Enable bool   `long:"enable" description:"Export metrics for Prometheus"`
	Listen string `long:"listen" description:"The interface and port to serve metrics on"`
}

// Config defines the configuration options for spvd.
//
// See LoadConfig for further details regarding the configuration loading and
// parsing process.
//
//nolint:lll
type Config struct {
	ShowVersion bool `short:"V" long:"version" description:"Display version information and exit"`

	SpvdDir    string `long:"spvddir" description:"The base directory that contains spvd's data, logs and configuration file"`
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir    string `short:"b" long:"datadir" description:"The directory to store spvd's data within"`
	LogDir     string `long:"logdir" description:"Directory to log output."`

	Network string `long:"network" description:"The chain to follow" choice:"bitcoin" choice:"bitcoincash" choice:"dash"`
	TestNet bool   `long:"testnet" description:"Use the test network"`
	RegTest bool   `long:"regtest" description:"Use the regression test network"`

	MaxPeers       int      `long:"maxpeers" description:"The number of peers to stay connected to"`
	ConnectPeers   []string `long:"connect" description:"Only connect to the specified peers at startup"`
	DNSServer      string   `long:"dnsserver" description:"The name server to query for DNS seeds, host:port. Defaults to the system resolver"`
	TaskQueueSize  int      `long:"taskqueuesize" description:"The number of tasks that may wait for an idle peer"`
	HeaderCache    int      `long:"headercache" description:"The number of block headers to keep in memory"`
	WatchAddresses []string `long:"watchaddress" description:"Add an address to the bloom filter loaded into peers"`

	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <global-level>,<subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems"`

	Peer *PeerConfig `group:"peer" namespace:"peer"`

	Prometheus *PrometheusConfig `group:"prometheus" namespace:"prometheus"`

	LogConfig *build.LogConfig `group:"logging" namespace:"logging"`

	// NetParams are the parameters of the selected network.
	NetParams *chainreg.NetParams

	// WatchElements are the decoded watch addresses.
	WatchElements [][]byte
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	return Config{
		SpvdDir:       DefaultSpvdDir,
		ConfigFile:    DefaultConfigFile,
		DataDir:       defaultDataDir,
		LogDir:        defaultLogDir,
		Network:       defaultNetwork,
		MaxPeers:      peergroup.DefaultTargetPeers,
		TaskQueueSize: defaultTaskQueueSize,
		HeaderCache:   defaultHeaderCache,
		DebugLevel:    defaultLogLevel,
		Peer: &PeerConfig{
			IdleTimeout:      peer.DefaultIdleTimeout,
			PongTimeout:      peer.DefaultPongTimeout,
			HandshakeTimeout: peer.DefaultHandshakeTimeout,
		},
		Prometheus: &PrometheusConfig{
			Listen: defaultPromListen,
		},
		LogConfig: build.DefaultLogConfig(),
	}
}

// LoadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func LoadConfig() (*Config, error) {
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

	// If the config file path has not been modified by the user, then we'll
	// use the default config file path. However, if the user has modified
	// their spvddir, then we should assume they intend to use the config
	// file within it.
	configFileDir := CleanAndExpandPath(preCfg.SpvdDir)
	configFilePath := CleanAndExpandPath(preCfg.ConfigFile)
	if configFileDir != DefaultSpvdDir &&
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
	if _, err := flags.Parse(&cfg); err != nil {
		return nil, err
	}

	// Make sure everything we just loaded makes sense.
	cleanCfg, err := ValidateConfig(cfg)
	if err != nil {
		return nil, err
	}

	// Warn about missing config file only after all other configuration is
	// done. This prevents the warning on help messages and invalid
	// options. Note this should go directly before the return.
	if configFileError != nil {
		spvdLog.Warnf("%v", configFileError)
	}

	return cleanCfg, nil
}

// ValidateConfig check the given configuration to be sane. This makes sure no
// illegal values or combination of values are set. All file system paths are
// normalized. The cleaned up config is returned on success.
func ValidateConfig(cfg Config) (*Config, error) {
	// If the provided spvd directory is not the default, we'll modify the
	// path to all of the files and directories that will live within it.
	spvdDir := CleanAndExpandPath(cfg.SpvdDir)
	if spvdDir != DefaultSpvdDir {
		cfg.DataDir = filepath.Join(spvdDir, defaultDataDirname)
		cfg.LogDir = filepath.Join(spvdDir, defaultLogDirname)
	}

	cfg.DataDir = CleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = CleanAndExpandPath(cfg.LogDir)

	if cfg.TestNet && cfg.RegTest {
		return nil, errors.New("the testnet and regtest params can't " +
			"be used together -- choose one of the two")
	}

	params, err := chainreg.Params(
		chainreg.Chain(cfg.Network), cfg.TestNet, cfg.RegTest,
	)
	if err != nil {
		return nil, err
	}
	cfg.NetParams = params

	// Each network keeps its own chain and peers file.
	cfg.DataDir = filepath.Join(
		cfg.DataDir, cfg.Network, params.Name,
	)
	cfg.LogDir = filepath.Join(cfg.LogDir, cfg.Network, params.Name)

	for _, dir := range []string{cfg.DataDir, cfg.LogDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("unable to create directory "+
				"%v: %w", dir, err)
		}
	}

	if cfg.MaxPeers < 1 {
		return nil, fmt.Errorf("maxpeers must be positive, got %d",
			cfg.MaxPeers)
	}
	if cfg.TaskQueueSize < 1 {
		return nil, fmt.Errorf("taskqueuesize must be positive, got "+
			"%d", cfg.TaskQueueSize)
	}
	if cfg.HeaderCache < 1 {
		return nil, fmt.Errorf("headercache must be positive, got %d",
			cfg.HeaderCache)
	}

	if cfg.Peer.PongTimeout <= 0 || cfg.Peer.IdleTimeout <= 0 ||
		cfg.Peer.HandshakeTimeout <= 0 {

		return nil, errors.New("peer timeouts must be positive")
	}

	// Static peers without a port use the default port of the network.
	for i, host := range cfg.ConnectPeers {
		cfg.ConnectPeers[i] = normalizeAddress(
			host, params.DefaultPort,
		)
	}

	for _, encoded := range cfg.WatchAddresses {
		addr, err := btcutil.DecodeAddress(encoded, params.Params)
		if err != nil {
			return nil, fmt.Errorf("invalid watch address %v: %w",
				encoded, err)
		}
		cfg.WatchElements = append(
			cfg.WatchElements, addr.ScriptAddress(),
		)
	}

	if err := cfg.LogConfig.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// normalizeAddress adds the default port to addr if it has none.
func normalizeAddress(addr, defaultPort string) string {
	if strings.LastIndex(addr, ":") > strings.LastIndex(addr, "]") {
		return addr
	}

	return addr + ":" + defaultPort
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
