// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package majordomo

import (
	"context"
	"testing"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/destiny/mdbroker/internal/testutil"
)

// testBroker drives a Broker one message at a time over an in-memory
// socket, with a clock the test controls.
type testBroker struct {
	*Broker
	t     *testing.T
	pipe  *testutil.Pipe
	clock time.Time
	reg   *prometheus.Registry
}

func newTestBroker(t *testing.T) *testBroker {
	t.Helper()

	pipe := testutil.NewPipe("inproc://broker")
	tb := &testBroker{
		t:     t,
		pipe:  pipe,
		clock: time.Unix(1_000_000, 0),
		reg:   prometheus.NewRegistry(),
	}

	options := DefaultBrokerOptions()
	options.Registerer = tb.reg
	options.Listen = func(ctx context.Context, endpoint string) (Transport, error) {
		return pipe, nil
	}
	tb.Broker = NewBroker(options)
	tb.Broker.now = func() time.Time { return tb.clock }

	require.NoError(t, tb.Bind("inproc://broker"))
	t.Cleanup(func() { tb.Close() })
	return tb
}

// recv hands the broker one message as a ROUTER socket would see it.
func (tb *testBroker) recv(parts ...string) {
	tb.process(zmq4.NewMsgFrom(frames(parts...)...))
}

func (tb *testBroker) ready(worker string, service ServiceName) {
	tb.recv(worker, "", WorkerProtocol, WorkerReady, string(service))
}

func (tb *testBroker) request(client string, service ServiceName, body ...string) {
	tb.recv(append([]string{client, "", ClientProtocol, string(service)}, body...)...)
}

func (tb *testBroker) reply(worker, client string, body ...string) {
	tb.recv(append([]string{worker, "", WorkerProtocol, WorkerReply, client, ""}, body...)...)
}

func (tb *testBroker) advance(d time.Duration) {
	tb.clock = tb.clock.Add(d)
	tb.purge(tb.now())
}

// sent returns everything the broker wrote since the last call.
func (tb *testBroker) sent() [][]string {
	var out [][]string
	for _, f := range tb.pipe.Drain() {
		out = append(out, strs(f))
	}
	return out
}

func (tb *testBroker) counter(name string) float64 {
	tb.t.Helper()
	families, err := tb.reg.Gather()
	require.NoError(tb.t, err)
	var sum float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				sum += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				sum += m.GetGauge().GetValue()
			}
		}
	}
	return sum
}

func requestTo(worker, client string, body ...string) []string {
	return append([]string{worker, "", WorkerProtocol, WorkerRequest, client, ""}, body...)
}

func replyTo(client string, service ServiceName, body ...string) []string {
	return append([]string{client, "", ClientProtocol, string(service)}, body...)
}

func disconnectTo(worker string) []string {
	return []string{worker, "", WorkerProtocol, WorkerDisconnect}
}

func TestBrokerDispatchesToLeastRecentlyUsedWorker(t *testing.T) {
	tb := newTestBroker(t)

	tb.ready("W1", "echo")
	tb.ready("W2", "echo")
	assert.Empty(t, tb.sent())

	tb.request("C1", "echo", "R1")
	tb.request("C2", "echo", "R2")
	assert.Equal(t, [][]string{
		requestTo("W1", "C1", "R1"),
		requestTo("W2", "C2", "R2"),
	}, tb.sent())

	// W2 finishes first and so becomes the least recently used.
	tb.reply("W2", "C2", "A2")
	tb.reply("W1", "C1", "A1")
	tb.request("C3", "echo", "R3")
	assert.Equal(t, [][]string{
		replyTo("C2", "echo", "A2"),
		replyTo("C1", "echo", "A1"),
		requestTo("W2", "C3", "R3"),
	}, tb.sent())

	assert.Equal(t, float64(3), tb.counter("mdp_broker_requests_total"))
	assert.Equal(t, float64(2), tb.counter("mdp_broker_replies_total"))
	assert.Equal(t, float64(3), tb.counter("mdp_broker_dispatched_total"))
}

func TestBrokerQueuesRequestsUntilReady(t *testing.T) {
	tb := newTestBroker(t)

	tb.request("C1", "echo", "R1")
	tb.request("C2", "echo", "R2", "more")
	assert.Empty(t, tb.sent())

	st := tb.snapshot()
	assert.Equal(t, 2, st.Services["echo"].Pending)
	assert.Equal(t, 0, st.Services["echo"].Workers)

	tb.ready("W1", "echo")
	assert.Equal(t, [][]string{requestTo("W1", "C1", "R1")}, tb.sent())

	tb.reply("W1", "C1", "A1")
	assert.Equal(t, [][]string{
		replyTo("C1", "echo", "A1"),
		requestTo("W1", "C2", "R2", "more"),
	}, tb.sent())
	assert.Equal(t, 0, tb.snapshot().Services["echo"].Pending)
}

func TestBrokerKeepsServicesApart(t *testing.T) {
	tb := newTestBroker(t)

	tb.ready("W1", "echo")
	tb.ready("W2", "time")
	tb.request("C1", "time", "now?")
	assert.Equal(t, [][]string{requestTo("W2", "C1", "now?")}, tb.sent())

	tb.request("C2", "echo", "hi")
	assert.Equal(t, [][]string{requestTo("W1", "C2", "hi")}, tb.sent())
}

func TestBrokerRoutesMultiFrameReply(t *testing.T) {
	tb := newTestBroker(t)

	tb.ready("W1", "echo")
	tb.request("C1", "echo", "a", "b")
	assert.Equal(t, [][]string{requestTo("W1", "C1", "a", "b")}, tb.sent())

	tb.reply("W1", "C1", "x", "", "y")
	assert.Equal(t, [][]string{replyTo("C1", "echo", "x", "", "y")}, tb.sent())
}

func TestBrokerPurgesSilentWorkers(t *testing.T) {
	tb := newTestBroker(t)
	expiry := DefaultHeartbeatPolicy().Expiry()

	tb.ready("W1", "echo")
	tb.advance(expiry / 2)
	tb.ready("W2", "echo")

	tb.advance(expiry / 2)
	st := tb.snapshot()
	assert.Equal(t, 1, st.Workers)
	assert.Equal(t, 1, st.Waiting)
	assert.Equal(t, uint64(1), st.Expired)
	assert.Equal(t, float64(1), tb.counter("mdp_broker_workers_expired_total"))

	// The purged worker is a stranger now.
	tb.recv("W1", "", WorkerProtocol, WorkerHeartbeat)
	assert.Equal(t, [][]string{disconnectTo("W1")}, tb.sent())

	tb.request("C1", "echo", "R1")
	assert.Equal(t, [][]string{requestTo("W2", "C1", "R1")}, tb.sent())
}

func TestBrokerPurgesBehindHeartbeatingWorker(t *testing.T) {
	tb := newTestBroker(t)
	expiry := DefaultHeartbeatPolicy().Expiry()

	tb.ready("W1", "echo")
	tb.advance(time.Second)
	tb.ready("W2", "time")

	// W1 keeps reporting in; W2 goes silent.
	for elapsed := time.Duration(0); elapsed < expiry+4*time.Second; elapsed += time.Second {
		tb.advance(time.Second)
		tb.recv("W1", "", WorkerProtocol, WorkerHeartbeat)
	}
	tb.sent()

	st := tb.snapshot()
	assert.Equal(t, 1, st.Workers)
	assert.Equal(t, uint64(1), st.Expired)
	assert.Equal(t, 0, st.Services["time"].Waiting)
	assert.Equal(t, 1, st.Services["echo"].Waiting)

	tb.request("C1", "time", "now?")
	assert.Empty(t, tb.sent(), "an expired worker must not be dispatched to")
	assert.Equal(t, 1, tb.snapshot().Services["time"].Pending)

	tb.recv("W2", "", WorkerProtocol, WorkerHeartbeat)
	assert.Equal(t, [][]string{disconnectTo("W2")}, tb.sent())

	tb.request("C2", "echo", "hi")
	assert.Equal(t, [][]string{requestTo("W1", "C2", "hi")}, tb.sent())
}

func TestBrokerHeartbeatKeepsDispatchOrder(t *testing.T) {
	tb := newTestBroker(t)

	tb.ready("W1", "echo")
	tb.ready("W2", "echo")
	tb.recv("W1", "", WorkerProtocol, WorkerHeartbeat)
	tb.sent()

	tb.request("C1", "echo", "R1")
	assert.Equal(t, [][]string{requestTo("W1", "C1", "R1")}, tb.sent())
}

func TestBrokerDoesNotPurgeBusyWorkers(t *testing.T) {
	tb := newTestBroker(t)

	tb.ready("W1", "echo")
	tb.request("C1", "echo", "slow")
	tb.sent()

	tb.advance(time.Hour)
	assert.Equal(t, 1, tb.snapshot().Workers)

	tb.reply("W1", "C1", "done")
	assert.Equal(t, [][]string{replyTo("C1", "echo", "done")}, tb.sent())
	assert.Equal(t, 1, tb.snapshot().Waiting)
}

func TestBrokerHeartbeatRefreshesExpiry(t *testing.T) {
	tb := newTestBroker(t)
	expiry := DefaultHeartbeatPolicy().Expiry()

	tb.ready("W1", "echo")
	tb.advance(expiry - time.Second)
	tb.recv("W1", "", WorkerProtocol, WorkerHeartbeat)
	assert.Equal(t, [][]string{{"W1", "", WorkerProtocol, WorkerHeartbeat}}, tb.sent())

	tb.advance(expiry - time.Second)
	assert.Equal(t, 1, tb.snapshot().Workers)

	tb.advance(time.Second)
	assert.Equal(t, 0, tb.snapshot().Workers)
}

func TestBrokerMMI(t *testing.T) {
	tb := newTestBroker(t)

	tb.ready("W1", "echo")
	tb.request("C1", "echo", "busy")
	tb.sent()

	// A service counts as available while its only worker is busy.
	tb.request("C2", MMIService, "echo")
	tb.request("C2", MMIService, "nope")
	tb.request("C2", "mmi.version", "x")
	assert.Equal(t, [][]string{
		replyTo("C2", MMIService, MMIFound),
		replyTo("C2", MMIService, MMINotFound),
		replyTo("C2", "mmi.version", MMIUnsupported),
	}, tb.sent())

	// A service known only through queued requests has no workers.
	tb.request("C3", "later", "R")
	tb.request("C3", MMIService, "later")
	assert.Equal(t, [][]string{replyTo("C3", MMIService, MMINotFound)}, tb.sent())

	_, exists := tb.services["nope"]
	assert.False(t, exists, "lookups do not create services")
}

func TestBrokerProtocolViolations(t *testing.T) {
	t.Run("ready twice", func(t *testing.T) {
		tb := newTestBroker(t)
		tb.ready("W1", "echo")
		tb.ready("W1", "echo")
		assert.Equal(t, [][]string{disconnectTo("W1")}, tb.sent())
		assert.Equal(t, 0, tb.snapshot().Workers)
	})

	t.Run("ready for internal service", func(t *testing.T) {
		tb := newTestBroker(t)
		tb.ready("W1", MMIService)
		assert.Equal(t, [][]string{disconnectTo("W1")}, tb.sent())
		assert.Equal(t, 0, tb.snapshot().Workers)
	})

	t.Run("reply from unknown worker", func(t *testing.T) {
		tb := newTestBroker(t)
		tb.reply("W9", "C1", "A1")
		assert.Equal(t, [][]string{disconnectTo("W9")}, tb.sent())
	})

	t.Run("heartbeat from unknown worker", func(t *testing.T) {
		tb := newTestBroker(t)
		tb.recv("W9", "", WorkerProtocol, WorkerHeartbeat)
		assert.Equal(t, [][]string{disconnectTo("W9")}, tb.sent())
	})

	t.Run("malformed command from known worker", func(t *testing.T) {
		tb := newTestBroker(t)
		tb.ready("W1", "echo")
		tb.recv("W1", "", WorkerProtocol, WorkerReply, "C1")
		assert.Equal(t, [][]string{disconnectTo("W1")}, tb.sent())
		assert.Equal(t, 0, tb.snapshot().Workers)
	})

	t.Run("unknown command is discarded", func(t *testing.T) {
		tb := newTestBroker(t)
		tb.ready("W1", "echo")
		tb.recv("W1", "", WorkerProtocol, "\x09")
		assert.Empty(t, tb.sent())
		assert.Equal(t, 1, tb.snapshot().Workers)
	})

	t.Run("garbage is dropped", func(t *testing.T) {
		tb := newTestBroker(t)
		tb.recv("X1", "no", "delimiter")
		tb.recv("X1", "", "HTTP/1.1", "GET")
		tb.recv("C1", "", ClientProtocol, "echo")
		assert.Empty(t, tb.sent())
		assert.Empty(t, tb.snapshot().Services)
		assert.Equal(t, float64(3), tb.counter("mdp_broker_protocol_errors_total"))
	})
}

func TestBrokerWorkerDisconnect(t *testing.T) {
	tb := newTestBroker(t)

	tb.ready("W1", "echo")
	tb.recv("W1", "", WorkerProtocol, WorkerDisconnect)
	assert.Empty(t, tb.sent())

	st := tb.snapshot()
	assert.Equal(t, 0, st.Workers)
	assert.Equal(t, 1, st.Services["echo"].Workers, "attachment count is historical")

	tb.request("C1", "echo", "R1")
	assert.Empty(t, tb.sent())
	assert.Equal(t, 1, tb.snapshot().Services["echo"].Pending)
}

func TestBrokerBind(t *testing.T) {
	tb := newTestBroker(t)
	assert.Error(t, tb.Bind("inproc://again"))

	unbound := NewBroker(nil)
	assert.Error(t, unbound.Run(context.Background()))
}

func TestBrokerRun(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	pipe := testutil.NewPipe("inproc://broker")
	options := DefaultBrokerOptions()
	options.HeartbeatInterval = 10 * time.Millisecond
	options.Listen = func(ctx context.Context, endpoint string) (Transport, error) {
		return pipe, nil
	}
	b := NewBroker(options)
	require.NoError(t, b.Bind("inproc://broker"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	pipe.Deliver(frames("C1", "", ClientProtocol, "echo", "R1")...)
	pipe.Deliver(frames("W1", "", WorkerProtocol, WorkerReady, "echo")...)
	assert.Equal(t, requestTo("W1", "C1", "R1"), strs(pipe.Next(t, time.Second)))

	pipe.Deliver(frames("W1", "", WorkerProtocol, WorkerHeartbeat)...)
	assert.Equal(t, []string{"W1", "", WorkerProtocol, WorkerHeartbeat}, strs(pipe.Next(t, time.Second)))

	st, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Workers)
	assert.Equal(t, 0, st.Waiting)
	assert.Equal(t, uint64(1), st.Requests)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("broker did not stop")
	}
	require.NoError(t, b.Close())
}

func TestBrokerRunStopsOnClose(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	pipe := testutil.NewPipe("inproc://broker")
	options := DefaultBrokerOptions()
	options.Listen = func(ctx context.Context, endpoint string) (Transport, error) {
		return pipe, nil
	}
	b := NewBroker(options)
	require.NoError(t, b.Bind("inproc://broker"))

	done := make(chan error, 1)
	go func() { done <- b.Run(context.Background()) }()

	require.NoError(t, b.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("broker did not stop")
	}
}
