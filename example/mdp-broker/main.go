// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Example Majordomo broker
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/destiny/mdbroker/internal/config"
	"github.com/destiny/mdbroker/internal/logging"
	"github.com/destiny/mdbroker/majordomo"
)

var (
	flagConfig   string
	flagEndpoint string
	flagMetrics  string
	flagLevel    string
	flagStats    time.Duration
)

func init() {
	rootCmd.Flags().StringVarP(&flagConfig, "config", "c", "", "TOML configuration file")
	rootCmd.Flags().StringVarP(&flagEndpoint, "endpoint", "e", "", "Endpoint to bind (overrides config)")
	rootCmd.Flags().StringVarP(&flagMetrics, "metrics-addr", "m", "", "Serve Prometheus metrics on this address")
	rootCmd.Flags().StringVarP(&flagLevel, "log-level", "l", "", "Log level: error, warn, info, debug or trace")
	rootCmd.Flags().DurationVar(&flagStats, "stats-interval", 10*time.Second, "How often to log broker stats (0 disables)")
}

var rootCmd = &cobra.Command{
	Use:          "mdp-broker",
	Short:        "Run a Majordomo broker",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(flagConfig)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("endpoint") {
			cfg.Endpoint = flagEndpoint
		}
		if cmd.Flags().Changed("metrics-addr") {
			cfg.Metrics.Addr = flagMetrics
		}
		if cmd.Flags().Changed("log-level") {
			cfg.Log.Level = flagLevel
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		log := cfg.Logger()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		options := cfg.BrokerOptions(log)
		options.Registerer = prometheus.DefaultRegisterer
		broker := majordomo.NewBroker(options)
		if err := broker.Bind(cfg.Endpoint); err != nil {
			return err
		}
		defer broker.Close()

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return broker.Run(gctx) })

		if cfg.Metrics.Addr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
			g.Go(func() error {
				log.Info("serving metrics on %s/metrics", cfg.Metrics.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
		}

		if flagStats > 0 {
			g.Go(func() error {
				reportStats(gctx, broker, log, flagStats)
				return nil
			})
		}

		err = g.Wait()
		log.Info("broker stopped")
		return err
	},
}

func reportStats(ctx context.Context, broker *majordomo.Broker, log *logging.Logger, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st, err := broker.Stats(ctx)
			if err != nil {
				return
			}
			log.Info("workers=%d waiting=%d requests=%d replies=%d expired=%d",
				st.Workers, st.Waiting, st.Requests, st.Replies, st.Expired)
			for name, svc := range st.Services {
				log.Debug("service %s: pending=%d waiting=%d workers=%d",
					name, svc.Pending, svc.Waiting, svc.Workers)
			}
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
