// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package majordomo

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/destiny/mdbroker/internal/logging"
)

// BrokerOptions configures MDP broker behavior
type BrokerOptions struct {
	HeartbeatLiveness int           // Heartbeat liveness factor
	HeartbeatInterval time.Duration // Heartbeat interval, also the purge tick
	Security          zmq4.Security // Security mechanism (nil for no security)

	Logger     *logging.Logger       // nil discards logs
	Registerer prometheus.Registerer // nil leaves metrics unregistered
	Listen     Listener              // nil binds a ROUTER socket
}

// DefaultBrokerOptions returns default broker options
func DefaultBrokerOptions() *BrokerOptions {
	return &BrokerOptions{
		HeartbeatLiveness: DefaultHeartbeatLiveness,
		HeartbeatInterval: DefaultHeartbeatInterval,
	}
}

// Stats is a snapshot of the broker's registries.
type Stats struct {
	Services map[ServiceName]ServiceStats

	// Workers counts known workers, idle or busy. Busy workers are never
	// expired, so a worker that dies while holding a request stays
	// counted until its peer address sends DISCONNECT or READY again.
	Workers  int
	Waiting  int // idle workers
	Requests uint64
	Replies  uint64
	Expired  uint64
}

// ServiceStats describes one service.
type ServiceStats struct {
	Pending int // queued requests
	Waiting int // idle workers
	Workers int // workers ever attached
}

// Broker implements the MDP broker. All registry state is owned by the
// goroutine executing Run; nothing else touches it.
type Broker struct {
	options   *BrokerOptions
	heartbeat HeartbeatPolicy
	log       *logging.Logger
	metrics   *brokerMetrics
	now       func() time.Time

	socket Transport
	ctx    context.Context
	cancel context.CancelFunc

	services map[ServiceName]*service
	workers  map[string]*worker
	waiting  *list.List // idle workers of every service, LRU order

	requests uint64
	replies  uint64
	purged   uint64

	statsCh chan chan Stats
}

// NewBroker creates a new MDP broker
func NewBroker(options *BrokerOptions) *Broker {
	if options == nil {
		options = DefaultBrokerOptions()
	}
	if options.HeartbeatLiveness < 1 {
		options.HeartbeatLiveness = DefaultHeartbeatLiveness
	}
	if options.HeartbeatInterval <= 0 {
		options.HeartbeatInterval = DefaultHeartbeatInterval
	}
	log := options.Logger
	if log == nil {
		log = logging.Discard
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Broker{
		options: options,
		heartbeat: HeartbeatPolicy{
			Interval: options.HeartbeatInterval,
			Liveness: options.HeartbeatLiveness,
		},
		log:      log.With("broker"),
		metrics:  newBrokerMetrics(options.Registerer),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		services: make(map[ServiceName]*service),
		workers:  make(map[string]*worker),
		waiting:  list.New(),
		statsCh:  make(chan chan Stats),
	}
}

// Bind binds the broker socket to endpoint. Clients and workers share
// the one socket.
func (b *Broker) Bind(endpoint string) error {
	if b.socket != nil {
		return fmt.Errorf("mdp: broker already bound")
	}
	listen := b.options.Listen
	if listen == nil {
		listen = RouterListener(b.options.Security)
	}
	sock, err := listen(b.ctx, endpoint)
	if err != nil {
		return err
	}
	b.socket = sock
	b.log.Info("MDP broker is active at %s", endpoint)
	return nil
}

// Close releases the broker socket. Run returns once the socket is gone.
func (b *Broker) Close() error {
	b.cancel()
	if b.socket == nil {
		return nil
	}
	if err := b.socket.Close(); err != nil {
		return fmt.Errorf("mdp: failed to close broker socket: %w", err)
	}
	return nil
}

// Run drives the broker until ctx is done. Every iteration first purges
// expired idle workers, then handles one inbound message or tick.
// Cancellation is not an error.
func (b *Broker) Run(ctx context.Context) error {
	if b.socket == nil {
		return fmt.Errorf("mdp: broker not bound")
	}

	c := newConn(b.socket)
	defer close(c.done)

	ticker := time.NewTicker(b.heartbeat.Interval)
	defer ticker.Stop()

	for {
		var (
			msg zmq4.Msg
			got bool
		)
		select {
		case <-ctx.Done():
			b.log.Info("interrupt received, shutting down")
			return nil

		case <-b.ctx.Done():
			return nil

		case msg = <-c.msgs:
			got = true

		case <-ticker.C:

		case reply := <-b.statsCh:
			reply <- b.snapshot()
			continue

		case err := <-c.errs:
			if ctx.Err() != nil || b.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("mdp: broker receive failed: %w", err)
		}

		// The only purge call site: expired workers are gone before any
		// dispatch this message may trigger.
		b.purge(b.now())
		if got {
			b.process(msg)
		}
	}
}

// Stats asks the running broker for a snapshot of its state.
func (b *Broker) Stats(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	select {
	case b.statsCh <- reply:
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
	select {
	case st := <-reply:
		return st, nil
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

func (b *Broker) snapshot() Stats {
	st := Stats{
		Services: make(map[ServiceName]ServiceStats, len(b.services)),
		Workers:  len(b.workers),
		Waiting:  b.waiting.Len(),
		Requests: b.requests,
		Replies:  b.replies,
		Expired:  b.purged,
	}
	for name, svc := range b.services {
		st.Services[name] = ServiceStats{
			Pending: svc.pending(),
			Waiting: svc.waiting.Len(),
			Workers: svc.workers,
		}
	}
	return st
}

// process classifies one inbound message by its protocol header.
func (b *Broker) process(msg zmq4.Msg) {
	b.log.Frames("recv", msg.Frames)

	env, err := ParseEnvelope(msg.Frames)
	if err != nil || len(env.Route) == 0 || len(env.Body) == 0 {
		b.violation("malformed message (%d frames)", len(msg.Frames))
		return
	}

	switch header := string(env.Body[0]); header {
	case ClientProtocol:
		b.processClient(env.Route, env.Body)
	case WorkerProtocol:
		b.processWorker(env.Route, env.Body)
	default:
		b.violation("unknown protocol %q from %s", header, env)
	}
}

// processWorker handles READY, REPLY, HEARTBEAT and DISCONNECT.
func (b *Broker) processWorker(route [][]byte, frames [][]byte) {
	w, known := b.workers[string(route[0])]

	msg, err := ParseWorkerMessage(frames)
	if err != nil {
		if errors.Is(err, ErrUnknownCommand) {
			b.violation("invalid input message from worker %s: %v", Envelope{Route: route}, err)
			return
		}
		b.violation("malformed worker message from %s: %v", Envelope{Route: route}, err)
		b.disconnect(route, w)
		return
	}

	switch msg.Command {
	case WorkerReady:
		switch {
		case known:
			b.violation("worker %s sent READY while registered", w)
			b.deleteWorker(w, true)
		case msg.Service.Internal():
			b.violation("worker %s tried to serve reserved service %s", Envelope{Route: route}, msg.Service)
			b.disconnect(route, nil)
		default:
			svc := b.requireService(msg.Service)
			b.registerWorker(route, svc)
			b.dispatch(svc)
		}

	case WorkerReply:
		if !known {
			b.violation("unknown worker %s sent REPLY", Envelope{Route: route})
			b.disconnect(route, nil)
			return
		}
		// The service frame and client header replace the worker
		// header; the client route is restored unchanged.
		client := msg.Envelope
		reply := &ClientMessage{Service: w.service.name, Body: client.Body}
		b.send(reply.To(client.Route))
		b.replies++
		b.metrics.replies.WithLabelValues(string(w.service.name)).Inc()
		b.log.Debug("reply from worker %s routed to client %s", w, client)

		b.markWaiting(w)
		b.dispatch(w.service)

	case WorkerHeartbeat:
		if !known {
			b.disconnect(route, nil)
			return
		}
		w.expiry = b.heartbeat.Deadline(b.now())
		// The purge list stays ordered by expiry. The service list keeps
		// its LRU order for dispatch.
		if w.idleBroker != nil {
			b.waiting.MoveToBack(w.idleBroker)
		}
		b.sendToWorker(w, &WorkerMessage{Command: WorkerHeartbeat})

	case WorkerDisconnect:
		if known {
			b.deleteWorker(w, false)
		}
	}
}

// processClient queues a client request or answers an MMI query.
func (b *Broker) processClient(route [][]byte, frames [][]byte) {
	msg, err := ParseClientMessage(frames)
	if err != nil {
		b.violation("invalid client message from %s: %v", Envelope{Route: route}, err)
		return
	}

	svc := b.requireService(msg.Service)
	b.requests++
	b.metrics.requests.WithLabelValues(string(msg.Service)).Inc()

	if msg.Service.Internal() {
		b.serveInternal(route, msg)
		return
	}

	svc.enqueue(Envelope{Route: route, Body: msg.Body})
	b.dispatch(svc)
}

// disconnect tells the peer at route to go away, forgetting it if known.
func (b *Broker) disconnect(route [][]byte, w *worker) {
	if w != nil {
		b.deleteWorker(w, true)
		return
	}
	msg := &WorkerMessage{Command: WorkerDisconnect}
	b.send(msg.To(route))
}

func (b *Broker) sendToWorker(w *worker, msg *WorkerMessage) {
	b.log.Trace("sending %s to worker %s", CommandName(msg.Command), w)
	b.send(msg.To(w.route))
}

func (b *Broker) send(env Envelope) {
	frames := env.Frames()
	b.log.Frames("send", frames)
	if err := b.socket.Send(zmq4.NewMsgFrom(frames...)); err != nil {
		b.log.Warn("failed to send to %s: %v", env, err)
	}
}

func (b *Broker) violation(format string, args ...interface{}) {
	b.metrics.violations.Inc()
	b.log.Warn(format, args...)
}
