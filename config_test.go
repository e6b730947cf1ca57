package spvd

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/spvd/chainreg"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) Config {
	t.Helper()

	cfg := DefaultConfig()
	cfg.SpvdDir = t.TempDir()

	return cfg
}

// TestValidateConfig checks the network selection and the derived paths.
func TestValidateConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Network = string(chainreg.Dash)
	cfg.TestNet = true

	cleanCfg, err := ValidateConfig(cfg)
	require.NoError(t, err)
	require.Equal(t, chainreg.Dash, cleanCfg.NetParams.Chain)
	require.Equal(
		t, filepath.Join(cfg.SpvdDir, defaultDataDirname, "dash",
			cleanCfg.NetParams.Name),
		cleanCfg.DataDir,
	)
	require.DirExists(t, cleanCfg.DataDir)
	require.DirExists(t, cleanCfg.LogDir)

	cfg = testConfig(t)
	cfg.TestNet = true
	cfg.RegTest = true
	_, err = ValidateConfig(cfg)
	require.ErrorContains(t, err, "can't be used together")

	cfg = testConfig(t)
	cfg.Network = string(chainreg.Dash)
	cfg.RegTest = true
	_, err = ValidateConfig(cfg)
	require.Error(t, err)

	cfg = testConfig(t)
	cfg.MaxPeers = 0
	_, err = ValidateConfig(cfg)
	require.ErrorContains(t, err, "maxpeers")

	cfg = testConfig(t)
	cfg.Peer.PongTimeout = 0
	_, err = ValidateConfig(cfg)
	require.ErrorContains(t, err, "timeouts")
}

// TestValidateConfigPeers checks static peers get the default port of the
// network.
func TestValidateConfigPeers(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Network = string(chainreg.BitcoinCash)
	cfg.ConnectPeers = []string{"10.0.0.1", "10.0.0.2:1234", "[::1]"}

	cleanCfg, err := ValidateConfig(cfg)
	require.NoError(t, err)
	require.Equal(t, []string{
		"10.0.0.1:8333", "10.0.0.2:1234", "[::1]:8333",
	}, cleanCfg.ConnectPeers)
}

// TestValidateConfigWatchAddresses checks watch addresses are decoded for
// the selected network.
func TestValidateConfigWatchAddresses(t *testing.T) {
	t.Parallel()

	hash := bytes.Repeat([]byte{0x42}, 20)
	addr, err := btcutil.NewAddressPubKeyHash(
		hash, &chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)

	cfg := testConfig(t)
	cfg.RegTest = true
	cfg.WatchAddresses = []string{addr.EncodeAddress()}

	cleanCfg, err := ValidateConfig(cfg)
	require.NoError(t, err)
	require.Equal(t, [][]byte{hash}, cleanCfg.WatchElements)

	cfg = testConfig(t)
	cfg.RegTest = true
	cfg.WatchAddresses = []string{"notanaddress"}
	_, err = ValidateConfig(cfg)
	require.ErrorContains(t, err, "invalid watch address")
}

func TestNormalizeAddress(t *testing.T) {
	t.Parallel()

	require.Equal(t, "host:9999", normalizeAddress("host", "9999"))
	require.Equal(t, "host:1", normalizeAddress("host:1", "9999"))
	require.Equal(t, "[::1]:9999", normalizeAddress("[::1]", "9999"))
	require.Equal(t, "[::1]:2", normalizeAddress("[::1]:2", "9999"))
}
