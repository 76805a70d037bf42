// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config loads the TOML configuration shared by the example
// broker, worker and client commands.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/destiny/mdbroker/internal/logging"
	"github.com/destiny/mdbroker/majordomo"
)

// Duration is a time.Duration read from a TOML string such as "2500ms".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the whole configuration file.
type Config struct {
	Endpoint string        `toml:"endpoint"`
	Log      LogConfig     `toml:"log"`
	Broker   BrokerConfig  `toml:"broker"`
	Client   ClientConfig  `toml:"client"`
	Worker   WorkerConfig  `toml:"worker"`
	Metrics  MetricsConfig `toml:"metrics"`
}

type LogConfig struct {
	Level string `toml:"level"`
	JSON  bool   `toml:"json"`
}

type BrokerConfig struct {
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	HeartbeatLiveness int      `toml:"heartbeat_liveness"`
}

type ClientConfig struct {
	Timeout Duration `toml:"timeout"`
	Retries int      `toml:"retries"`
}

type WorkerConfig struct {
	Service           string   `toml:"service"`
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	HeartbeatLiveness int      `toml:"heartbeat_liveness"`
	ReconnectInitial  Duration `toml:"reconnect_initial"`
	ReconnectMax      Duration `toml:"reconnect_max"`
}

type MetricsConfig struct {
	Addr string `toml:"addr"` // empty disables the /metrics listener
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Endpoint: "tcp://127.0.0.1:5555",
		Log:      LogConfig{Level: "info"},
		Broker: BrokerConfig{
			HeartbeatInterval: Duration{majordomo.DefaultHeartbeatInterval},
			HeartbeatLiveness: majordomo.DefaultHeartbeatLiveness,
		},
		Client: ClientConfig{
			Timeout: Duration{majordomo.DefaultClientTimeout},
			Retries: majordomo.DefaultClientRetries,
		},
		Worker: WorkerConfig{
			Service:           "echo",
			HeartbeatInterval: Duration{majordomo.DefaultHeartbeatInterval},
			HeartbeatLiveness: majordomo.DefaultHeartbeatLiveness,
			ReconnectInitial:  Duration{majordomo.DefaultReconnectInitial},
			ReconnectMax:      Duration{majordomo.DefaultReconnectMax},
		},
	}
}

// Load reads path over the defaults and validates the result. An empty
// path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the cross-field constraints of the protocol.
func (c Config) Validate() error {
	var errs []error
	if c.Endpoint == "" {
		errs = append(errs, errors.New("endpoint is required"))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Broker.HeartbeatInterval.Duration <= 0 {
		errs = append(errs, errors.New("broker.heartbeat_interval must be positive"))
	}
	if c.Broker.HeartbeatLiveness < 1 {
		errs = append(errs, errors.New("broker.heartbeat_liveness must be at least 1"))
	}
	if c.Client.Retries < 1 {
		errs = append(errs, errors.New("client.retries must be at least 1"))
	}
	if c.Client.Timeout.Duration <= c.Broker.HeartbeatInterval.Duration {
		errs = append(errs, fmt.Errorf("client.timeout (%v) must exceed broker.heartbeat_interval (%v)",
			c.Client.Timeout.Duration, c.Broker.HeartbeatInterval.Duration))
	}
	if c.Worker.HeartbeatInterval.Duration <= 0 {
		errs = append(errs, errors.New("worker.heartbeat_interval must be positive"))
	}
	if c.Worker.HeartbeatLiveness < 1 {
		errs = append(errs, errors.New("worker.heartbeat_liveness must be at least 1"))
	}
	if c.Worker.ReconnectMax.Duration < c.Worker.ReconnectInitial.Duration {
		errs = append(errs, errors.New("worker.reconnect_max must not be below worker.reconnect_initial"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config invalid: %w", err)
	}
	return nil
}

// Logger builds the logger described by the [log] table.
func (c Config) Logger() *logging.Logger {
	level, _ := logging.ParseLevel(c.Log.Level)
	if c.Log.JSON {
		return logging.New(os.Stderr, level)
	}
	return logging.NewConsole(level)
}

// BrokerOptions converts the [broker] table.
func (c Config) BrokerOptions(log *logging.Logger) *majordomo.BrokerOptions {
	opts := majordomo.DefaultBrokerOptions()
	opts.HeartbeatInterval = c.Broker.HeartbeatInterval.Duration
	opts.HeartbeatLiveness = c.Broker.HeartbeatLiveness
	opts.Logger = log
	return opts
}

// ClientOptions converts the [client] table.
func (c Config) ClientOptions(log *logging.Logger) *majordomo.ClientOptions {
	opts := majordomo.DefaultClientOptions()
	opts.Timeout = c.Client.Timeout.Duration
	opts.Retries = c.Client.Retries
	opts.Logger = log
	return opts
}

// WorkerOptions converts the [worker] table.
func (c Config) WorkerOptions(log *logging.Logger) *majordomo.WorkerOptions {
	opts := majordomo.DefaultWorkerOptions()
	opts.HeartbeatInterval = c.Worker.HeartbeatInterval.Duration
	opts.HeartbeatLiveness = c.Worker.HeartbeatLiveness
	opts.ReconnectInitial = c.Worker.ReconnectInitial.Duration
	opts.ReconnectMax = c.Worker.ReconnectMax.Duration
	opts.Logger = log
	return opts
}
