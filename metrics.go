package spvd

import (
	"context"
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/lightningnetwork/spvd/build"
	"github.com/lightningnetwork/spvd/peer"
	"github.com/lightningnetwork/spvd/peergroup"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricsNamespace = "spvd"

	// metricsReadTimeout bounds how long a scrape may take to send its
	// request.
	metricsReadTimeout = 5 * time.Second
)

// newMetricsRegistry registers the collectors exposing the state of s.
func newMetricsRegistry(s *server) *prometheus.Registry {
	registry := prometheus.NewRegistry()

	versionGauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "version",
			Help:      "Version of spvd running.",
		},
		[]string{"version", "commit", "network"},
	)
	versionGauge.WithLabelValues(
		build.Version(), build.Commit, s.cfg.NetParams.Name,
	).Set(1)

	gauge := func(name, help string, f func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      name,
			Help:      help,
		}, f)
	}
	counter := func(name, help string,
		f func() float64) prometheus.Collector {

		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      name,
			Help:      help,
		}, f)
	}

	taskManager := s.group.TaskManager()
	registry.MustRegister(
		versionGauge,
		s.peerMetrics,
		gauge("connected_peers", "Number of connected peers.",
			func() float64 {
				return float64(len(
					s.group.Manager().ConnectedPeers(),
				))
			}),
		gauge("synced_peers", "Number of peers we have every "+
			"block of.", func() float64 {

			return float64(s.state.SyncedCount())
		}),
		gauge("queued_tasks", "Number of tasks waiting for an idle "+
			"peer.", func() float64 {

			return float64(taskManager.QueueLen())
		}),
		gauge("best_height", "Height of our best block.",
			func() float64 {
				tip, err := s.store.LastBlock()
				if err != nil {
					return math.NaN()
				}

				return float64(tip.Height)
			}),
		gauge("pending_transactions", "Number of transactions "+
			"awaiting relay.", func() float64 {

			return float64(len(s.txPool.PendingTransactions()))
		}),
		counter("completed_tasks_total", "Number of completed "+
			"tasks.", func() float64 {

			return float64(taskManager.Completed())
		}),
		counter("rejected_tasks_total", "Number of tasks dropped "+
			"because the queue was full.", func() float64 {

			return float64(taskManager.Rejected())
		}),
		counter("validated_blocks_total", "Number of accepted "+
			"blocks.", func() float64 {

			return float64(s.blocks.Validated())
		}),
		counter("rejected_blocks_total", "Number of invalid or "+
			"orphaned blocks.", func() float64 {

			return float64(s.blocks.Rejected())
		}),
		counter("wallet_transactions_total", "Number of wallet "+
			"transactions received.", func() float64 {

			return float64(s.wallet.confirmed.Load() +
				s.wallet.unconfirmed.Load())
		}),
	)

	s.masternodes.WhenSome(func(m *masternodeSync) {
		registry.MustRegister(gauge("masternodes", "Number of "+
			"entries in the confirmed masternode list.",
			func() float64 {
				return float64(len(m.lists.Masternodes()))
			}))
	})

	return registry
}

// metricsExporter serves a registry over HTTP.
type metricsExporter struct {
	srv *http.Server
}

func newMetricsExporter(listen string,
	registry *prometheus.Registry) *metricsExporter {

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		registry, promhttp.HandlerOpts{},
	))

	return &metricsExporter{
		srv: &http.Server{
			Addr:              listen,
			Handler:           mux,
			ReadHeaderTimeout: metricsReadTimeout,
		},
	}
}

// Serve blocks serving metrics until Shutdown is called.
func (m *metricsExporter) Serve() error {
	spvdLog.Infof("Prometheus exporter listening on %v", m.srv.Addr)

	err := m.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}

// Shutdown stops the exporter.
func (m *metricsExporter) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}

// peerMetrics counts session lifecycle events. Failed tasks show up here
// since a session failing a task is closed.
type peerMetrics struct {
	peergroup.ListenerAdapter

	connects    prometheus.Counter
	disconnects *prometheus.CounterVec
}

func newPeerMetrics() *peerMetrics {
	return &peerMetrics{
		connects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "peer_connects_total",
			Help:      "Number of completed handshakes.",
		}),
		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "peer_disconnects_total",
			Help:      "Number of closed sessions by outcome.",
		}, []string{"outcome"}),
	}
}

// OnPeerConnect counts a completed handshake.
func (m *peerMetrics) OnPeerConnect(*peer.Peer) {
	m.connects.Inc()
}

// OnPeerDisconnect counts a closed session.
func (m *peerMetrics) OnPeerDisconnect(_ *peer.Peer, err error) {
	outcome := "clean"
	if err != nil {
		outcome = "failed"
	}

	m.disconnects.WithLabelValues(outcome).Inc()
}

// Describe forwards to the underlying counters.
func (m *peerMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.connects.Describe(ch)
	m.disconnects.Describe(ch)
}

// Collect forwards to the underlying counters.
func (m *peerMetrics) Collect(ch chan<- prometheus.Metric) {
	m.connects.Collect(ch)
	m.disconnects.Collect(ch)
}
