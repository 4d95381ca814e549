// Command nrgo-tun-client runs the TCP-over-RUDP tunnel client: it accepts
// local TCP connections, multiplexes them over one reliable-UDP session to
// an upstream server, and demultiplexes frames back.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/uole/nrgo-tun-client/config"
	"github.com/uole/nrgo-tun-client/internal/logging"
	"github.com/uole/nrgo-tun-client/internal/metrics"
	"github.com/uole/nrgo-tun-client/internal/statusapi"
	"github.com/uole/nrgo-tun-client/internal/supervisor"
	"github.com/uole/nrgo-tun-client/version"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           version.ProductName,
		Short:         "TCP-over-reliable-UDP tunnel client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(runCmd(), versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the client version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("%s %s (%s)\n", version.ProductName, version.Version, version.Commit)
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	var configPath, listenAddr, upstreamAddr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the tunnel client",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, listenAddr, upstreamAddr)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML config file")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "override the config's local TCP listen address")
	cmd.Flags().StringVar(&upstreamAddr, "upstream", "", "override the config's upstream UDP address")
	return cmd
}

func run(configPath, listenOverride, upstreamOverride string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if listenOverride != "" {
		cfg.Listen = listenOverride
	}
	if upstreamOverride != "" {
		cfg.Upstream = upstreamOverride
	}

	logger := logging.New(parseLevel(cfg.LogLevel))
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	sv := supervisor.New(supervisor.Config{
		ListenAddr:   cfg.Listen,
		UpstreamAddr: cfg.Upstream,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}, logger, m)

	ctx := context.Background()
	if err := sv.Start(ctx); err != nil {
		logger.Error("fatal setup error", logging.Field{Key: "stage", Value: "supervisor_start"}, logging.Field{Key: "error", Value: err})
		return fmt.Errorf("start supervisor: %w", err)
	}

	group, gctx := errgroup.WithContext(context.Background())

	var statusServer *http.Server
	if cfg.StatusListen != "" {
		statusServer = &http.Server{
			Addr:    cfg.StatusListen,
			Handler: statusapi.New(sv, registry),
		}
		group.Go(func() error {
			logger.Info("status api listening", logging.Field{Key: "addr", Value: cfg.StatusListen})
			if err := statusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	group.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-sigCh:
			logger.Info("received shutdown signal")
		case <-gctx.Done():
		}
		sv.Stop()
		if statusServer != nil {
			_ = statusServer.Shutdown(context.Background())
		}
		<-sv.Done()
		return nil
	})

	return group.Wait()
}

func parseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}
