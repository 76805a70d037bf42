// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Example Majordomo client
package main

import (
	"context"
	"fmt"
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
	flagCount    int
	flagCheck    bool
)

func init() {
	rootCmd.Flags().StringVarP(&flagConfig, "config", "c", "", "TOML configuration file")
	rootCmd.Flags().StringVarP(&flagEndpoint, "endpoint", "e", "", "Broker endpoint (overrides config)")
	rootCmd.Flags().StringVarP(&flagLevel, "log-level", "l", "", "Log level: error, warn, info, debug or trace")
	rootCmd.Flags().IntVarP(&flagCount, "count", "n", 1, "Number of requests to send")
	rootCmd.Flags().BoolVar(&flagCheck, "check", false, "Ask the broker whether the service exists before sending")
}

var rootCmd = &cobra.Command{
	Use:          "mdp-client <service> <frame>...",
	Short:        "Send requests to a Majordomo service and print the replies",
	Args:         cobra.MinimumNArgs(2),
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
		if err := cfg.Validate(); err != nil {
			return err
		}
		log := cfg.Logger()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		client, err := majordomo.NewClient(cfg.Endpoint, cfg.ClientOptions(log))
		if err != nil {
			return err
		}
		defer client.Close()

		service := majordomo.ServiceName(args[0])
		body := make([][]byte, len(args)-1)
		for i, arg := range args[1:] {
			body[i] = []byte(arg)
		}

		if flagCheck {
			ok, err := client.ServiceAvailable(ctx, service)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("service %s is not available", service)
			}
		}

		start := time.Now()
		for i := 0; i < flagCount; i++ {
			reply, err := client.Send(ctx, service, body...)
			if err != nil {
				return err
			}
			for _, frame := range reply {
				fmt.Printf("%s\n", frame)
			}
		}
		log.Info("%d requests answered in %v", flagCount, time.Since(start))
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
