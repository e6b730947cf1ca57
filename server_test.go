package spvd

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/spvd/chainreg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// gaugeValue returns the value of the gauge called name.
func gaugeValue(t *testing.T, registry *prometheus.Registry,
	name string) float64 {

	t.Helper()

	families, err := registry.Gather()
	require.NoError(t, err)

	for _, family := range families {
		if family.GetName() != name {
			continue
		}

		require.Len(t, family.GetMetric(), 1)
		return family.GetMetric()[0].GetGauge().GetValue()
	}

	t.Fatalf("metric %v not found", name)

	return 0
}

// TestServerLifecycle checks a fresh server starts from the genesis block,
// queues transactions while no peer is connected and reopens its store.
func TestServerLifecycle(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.RegTest = true
	cfg.ConnectPeers = []string{"127.0.0.1"}

	cleanCfg, err := ValidateConfig(cfg)
	require.NoError(t, err)

	s, err := newServer(cleanCfg)
	require.NoError(t, err)
	require.True(t, s.masternodes.IsNone())

	tip, err := s.store.LastBlock()
	require.NoError(t, err)
	require.Equal(t, *chaincfg.RegressionNetParams.GenesisHash, tip.Hash)
	require.Zero(t, s.bestHeight())

	// Without peers the transaction waits in the pool.
	tx := wire.NewMsgTx(wire.TxVersion)
	require.NoError(t, s.SendTransaction(tx))
	require.Len(t, s.txPool.PendingTransactions(), 1)

	registry := newMetricsRegistry(s)
	require.Equal(
		t, float64(1),
		gaugeValue(t, registry, "spvd_pending_transactions"),
	)
	require.Zero(t, gaugeValue(t, registry, "spvd_best_height"))
	require.Zero(t, gaugeValue(t, registry, "spvd_connected_peers"))

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())

	// The genesis block is only added to an empty store.
	s, err = newServer(cleanCfg)
	require.NoError(t, err)
	require.Zero(t, s.bestHeight())
	require.NoError(t, s.Stop())
}

// TestServerMasternodes checks the masternode components are only wired on
// networks that have them.
func TestServerMasternodes(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Network = string(chainreg.Dash)
	cfg.TestNet = true
	cfg.ConnectPeers = []string{"127.0.0.1"}

	cleanCfg, err := ValidateConfig(cfg)
	require.NoError(t, err)

	s, err := newServer(cleanCfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Stop())
	})

	require.True(t, s.masternodes.IsSome())

	registry := newMetricsRegistry(s)
	require.Zero(t, gaugeValue(t, registry, "spvd_masternodes"))
}
