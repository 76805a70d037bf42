// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Example Majordomo worker
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/destiny/mdbroker/internal/config"
	"github.com/destiny/mdbroker/majordomo"
)

var (
	flagConfig   string
	flagEndpoint string
	flagLevel    string
	flagDelay    time.Duration
)

func init() {
	rootCmd.Flags().StringVarP(&flagConfig, "config", "c", "", "TOML configuration file")
	rootCmd.Flags().StringVarP(&flagEndpoint, "endpoint", "e", "", "Broker endpoint (overrides config)")
	rootCmd.Flags().StringVarP(&flagLevel, "log-level", "l", "", "Log level: error, warn, info, debug or trace")
	rootCmd.Flags().DurationVar(&flagDelay, "delay", 0, "Simulated work per request")
}

var rootCmd = &cobra.Command{
	Use:          "mdp-worker [service]",
	Short:        "Run an echo worker for a Majordomo service",
	Args:         cobra.MaximumNArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(flagConfig)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("endpoint") {
			cfg.Endpoint = flagEndpoint
		}
		if cmd.Flags().Changed("log-level") {
			cfg.Log.Level = flagLevel
		}
		if len(args) == 1 {
			cfg.Worker.Service = args[0]
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		log := cfg.Logger()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		service := majordomo.ServiceName(cfg.Worker.Service)
		worker, err := majordomo.NewWorker(cfg.Endpoint, service, cfg.WorkerOptions(log))
		if err != nil {
			return err
		}
		defer worker.Close()

		log.Info("worker for service %s using broker %s", service, cfg.Endpoint)

		return worker.Serve(ctx, func(ctx context.Context, request [][]byte) ([][]byte, error) {
			log.Debug("processing request of %d frames", len(request))
			if flagDelay > 0 {
				select {
				case <-time.After(flagDelay):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			return request, nil
		})
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
