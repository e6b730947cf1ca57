package spvd

import (
	"context"
	"fmt"
	"time"

	"github.com/lightningnetwork/spvd/build"
	"github.com/lightningnetwork/spvd/signal"
	"golang.org/x/sync/errgroup"
)

// metricsShutdownTimeout bounds how long we wait for scrapes in flight when
// shutting down.
const metricsShutdownTimeout = 5 * time.Second

// Main is the true entry point for spvd. It blocks until a shutdown is
// requested through interceptor.
func Main(cfg *Config, interceptor signal.Interceptor) error {
	logWriter, err := initLogging(cfg, interceptor)
	if err != nil {
		return fmt.Errorf("unable to initialize logging: %w", err)
	}
	defer func() {
		spvdLog.Info("Shutdown complete")
		_ = logWriter.Close()
	}()

	// Show version at startup.
	spvdLog.Infof("Version: %s commit=%s, build=%s, logging=%s, "+
		"debuglevel=%s", build.Version(), build.Commit,
		build.Deployment, build.LoggingType, cfg.DebugLevel)
	if build.IsDevBuild() {
		spvdLog.Warnf("Running a development build")
	}

	server, err := newServer(cfg)
	if err != nil {
		return fmt.Errorf("unable to create server: %w", err)
	}

	if err := server.Start(); err != nil {
		_ = server.Stop()
		return fmt.Errorf("unable to start server: %w", err)
	}
	defer func() {
		if err := server.Stop(); err != nil {
			spvdLog.Errorf("Unable to stop server: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Prometheus.Enable {
		exporter := newMetricsExporter(
			cfg.Prometheus.Listen, newMetricsRegistry(server),
		)

		g.Go(exporter.Serve)
		g.Go(func() error {
			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(
				context.Background(), metricsShutdownTimeout,
			)
			defer cancel()

			return exporter.Shutdown(shutdownCtx)
		})
	}

	// Wait for shutdown signal from either a graceful server stop or from
	// the interrupt handler.
	select {
	case <-interceptor.ShutdownChannel():
		spvdLog.Info("Received shutdown request")

	case <-ctx.Done():
		spvdLog.Errorf("Metrics exporter failed: %v", context.Cause(ctx))
	}

	cancel()

	return g.Wait()
}
