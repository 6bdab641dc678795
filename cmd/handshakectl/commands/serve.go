package commands

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ngrok/handshaker"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func (c *cli) newServeCmd(defaults *CLIConfig) *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Answer transport handshakes until interrupted",
		Args:  cobra.NoArgs,
		RunE:  c.runServe,
	}
	serveCmd.Flags().String("listen", defaults.Listen, "IP:Port to accept handshakes on")
	serveCmd.Flags().String("metrics-listen", defaults.MetricsListen, "IP:Port to serve /metrics on, empty to disable")
	serveCmd.Flags().Bool("tolerant", defaults.Tolerant, "Answer malformed handshake requests instead of rejecting them")
	return serveCmd
}

/*******************************************************************************
* RUN
*******************************************************************************/

func (c *cli) runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	tr := c.newTransport(reg, handshaker.WithIgnoreDeserializationErrors(c.config.Tolerant))
	if err := tr.Listen(ctx, c.config.Listen); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: c.config.MetricsListen, Handler: mux}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(tr.Serve)
	if c.config.MetricsListen != "" {
		g.Go(func() error {
			c.logger.Info("serving metrics", "addr", c.config.MetricsListen)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "metrics server failed")
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		c.logger.Info("shutting down")
		shutdownErr := srv.Shutdown(context.Background())
		if err := tr.Close(); err != nil {
			return err
		}
		return shutdownErr
	})
	return g.Wait()
}
