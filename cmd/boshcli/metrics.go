package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	bosh "github.com/codediving/jbosh"
	"pkt.systems/pslog"
)

// newMetricsCommand exposes the coordinator's OTel instruments on a
// Prometheus scrape endpoint while a session stays connected, grounded on
// sa6mwa-lockd/telemetry.go's registry + otelprometheus.New +
// promhttp.HandlerFor wiring.
func newMetricsCommand(cfg *sharedConfig, baseLogger pslog.Logger) *cobra.Command {
	var listen string
	var establishTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Connect and serve coordinator metrics over a Prometheus endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.load(); err != nil {
				return err
			}
			logger := cfg.loggerFrom(baseLogger)

			registry := prometheus.NewRegistry()
			exporter, err := otelprometheus.New(otelprometheus.WithRegisterer(registry))
			if err != nil {
				return fmt.Errorf("boshcli: start prometheus exporter: %w", err)
			}
			provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
			otel.SetMeterProvider(provider)
			defer provider.Shutdown(context.Background())

			sess, err := newSession(cfg, logger, bosh.WithMetrics(true))
			if err != nil {
				return fmt.Errorf("boshcli: building session: %w", err)
			}
			attachLogging(sess, logger)

			if err := sess.Send(bosh.NewBody()); err != nil {
				return fmt.Errorf("boshcli: session-creation send: %w", err)
			}
			if !waitForEstablished(sess, establishTimeout) {
				sess.Close()
				return fmt.Errorf("boshcli: session not established within %s", establishTimeout)
			}

			ln, err := net.Listen("tcp", listen)
			if err != nil {
				sess.Close()
				return fmt.Errorf("boshcli: listen on %s: %w", listen, err)
			}
			server := &http.Server{Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{})}
			go func() {
				if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("metrics.server.failed", "error", err)
				}
			}()
			logger.Info("metrics.server.listening", "addr", ln.Addr().String())

			<-cmd.Context().Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
			_ = sess.Disconnect(bosh.NewBody())
			return nil
		},
	}

	cmd.Flags().StringVar(&listen, "listen", ":9109", "Prometheus scrape listen address")
	cmd.Flags().DurationVar(&establishTimeout, "establish-timeout", 30*time.Second, "time to wait for the session-creation response")
	return cmd
}
