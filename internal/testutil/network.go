// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package testutil provides testing utilities for the MDP broker and its
// sessions.
package testutil

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"
)

var portCounter int64 = 20000

// GetAvailablePort returns an available TCP port for testing
func GetAvailablePort() (int, error) {
	basePort := atomic.AddInt64(&portCounter, 1)

	for i := 0; i < 100; i++ {
		port := int(basePort) + i
		if port > 65535 {
			port = 20000 + (port % 45535)
		}
		if isPortAvailable(port) {
			return port, nil
		}
	}

	return 0, fmt.Errorf("no available ports found in range")
}

func isPortAvailable(port int) bool {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	listener.Close()
	return true
}

// GetTestEndpoint returns a loopback TCP endpoint with an available port
func GetTestEndpoint() (string, error) {
	port, err := GetAvailablePort()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("tcp://127.0.0.1:%d", port), nil
}

// WaitForConnection waits until something accepts TCP connections at
// endpoint.
func WaitForConnection(endpoint string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		conn, err := net.Dial("tcp", parseAddress(endpoint))
		if err == nil {
			conn.Close()
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}

	return fmt.Errorf("connection timeout for endpoint %s", endpoint)
}

func parseAddress(endpoint string) string {
	if len(endpoint) > 6 && endpoint[:6] == "tcp://" {
		return endpoint[6:]
	}
	return endpoint
}
