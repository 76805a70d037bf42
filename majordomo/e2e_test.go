// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package majordomo

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/destiny/mdbroker/internal/testutil"
)

// TestEndToEnd runs a broker, two workers and a client over TCP.
func TestEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping TCP round trip in short mode")
	}

	endpoint, err := testutil.GetTestEndpoint()
	require.NoError(t, err)

	bopts := DefaultBrokerOptions()
	bopts.HeartbeatInterval = 100 * time.Millisecond
	broker := NewBroker(bopts)
	require.NoError(t, broker.Bind(endpoint))
	defer broker.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return broker.Run(gctx) })

	var workers []*Worker
	for i := 0; i < 2; i++ {
		wopts := DefaultWorkerOptions()
		wopts.HeartbeatInterval = 100 * time.Millisecond
		wopts.ReconnectInitial = 100 * time.Millisecond
		w, err := NewWorker(endpoint, "echo", wopts)
		require.NoError(t, err)
		workers = append(workers, w)

		id := i
		g.Go(func() error {
			return w.Serve(gctx, func(ctx context.Context, request [][]byte) ([][]byte, error) {
				reply := append([][]byte{}, request...)
				return append(reply, []byte(fmt.Sprintf("w%d", id))), nil
			})
		})
	}

	require.Eventually(t, func() bool {
		st, err := broker.Stats(ctx)
		return err == nil && st.Waiting == 2
	}, 5*time.Second, 20*time.Millisecond, "workers did not register")

	copts := DefaultClientOptions()
	copts.Timeout = 2 * time.Second
	client, err := NewClient(endpoint, copts)
	require.NoError(t, err)
	defer client.Close()

	seen := map[string]bool{}
	for i := 0; i < 6; i++ {
		body := []byte(fmt.Sprintf("request-%d", i))
		reply, err := client.Send(ctx, "echo", body, []byte("tail"))
		require.NoError(t, err)
		require.Len(t, reply, 3)
		assert.True(t, bytes.Equal(body, reply[0]))
		assert.Equal(t, "tail", string(reply[1]))
		seen[string(reply[2])] = true
	}

	ok, err := client.ServiceAvailable(ctx, "echo")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.ServiceAvailable(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, ok)

	st, err := broker.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Services["echo"].Workers)
	assert.Equal(t, uint64(8), st.Requests)
	assert.Equal(t, uint64(6), st.Replies)
	assert.Len(t, seen, 2, "both workers take turns")

	for _, w := range workers {
		require.NoError(t, w.Close())
	}
	cancel()
	require.NoError(t, g.Wait())
}
