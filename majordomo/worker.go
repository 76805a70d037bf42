// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package majordomo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"

	"github.com/destiny/mdbroker/internal/logging"
)

// RequestHandler processes one request and returns the reply body.
type RequestHandler func(ctx context.Context, request [][]byte) ([][]byte, error)

// WorkerOptions configures MDP worker behavior
type WorkerOptions struct {
	HeartbeatLiveness int           // Heartbeat liveness factor
	HeartbeatInterval time.Duration // Heartbeat interval
	ReconnectInitial  time.Duration // First reconnect delay
	ReconnectMax      time.Duration // Reconnect delay ceiling
	Security          zmq4.Security // Security mechanism (nil for no security)

	Logger *logging.Logger // nil discards logs
	Dial   Dialer          // nil dials a DEALER socket
}

// DefaultWorkerOptions returns default worker options
func DefaultWorkerOptions() *WorkerOptions {
	return &WorkerOptions{
		HeartbeatLiveness: DefaultHeartbeatLiveness,
		HeartbeatInterval: DefaultHeartbeatInterval,
		ReconnectInitial:  DefaultReconnectInitial,
		ReconnectMax:      DefaultReconnectMax,
	}
}

// Worker is an MDP worker session. Recv is meant to be called from one
// goroutine; Close may be called from any.
type Worker struct {
	service ServiceName
	broker  string
	options *WorkerOptions
	log     *logging.Logger
	dial    Dialer

	ctx    context.Context
	cancel context.CancelFunc
	stop   chan struct{}
	once   sync.Once

	mu          sync.Mutex
	conn        *conn
	started     bool
	closed      bool
	liveness    *Liveness
	backoff     *Backoff
	heartbeatAt time.Time
	replyTo     [][]byte
}

// NewWorker creates a new MDP worker for service. The worker connects and
// announces READY on its first Recv.
func NewWorker(broker string, service ServiceName, options *WorkerOptions) (*Worker, error) {
	if err := service.Validate(); err != nil {
		return nil, fmt.Errorf("mdp: %w", err)
	}
	if service.Internal() {
		return nil, fmt.Errorf("mdp: %s is a reserved service name", service)
	}
	if options == nil {
		options = DefaultWorkerOptions()
	}
	if options.HeartbeatInterval <= 0 {
		return nil, fmt.Errorf("mdp: heartbeat interval must be positive, got %v", options.HeartbeatInterval)
	}
	log := options.Logger
	if log == nil {
		log = logging.Discard
	}
	dial := options.Dial
	if dial == nil {
		dial = DealerDialer(options.Security)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Worker{
		service:  service,
		broker:   broker,
		options:  options,
		log:      log.With("worker"),
		dial:     dial,
		ctx:      ctx,
		cancel:   cancel,
		stop:     make(chan struct{}),
		liveness: NewLiveness(options.HeartbeatLiveness),
		backoff:  NewBackoff(options.ReconnectInitial, options.ReconnectMax),
	}, nil
}

// Service returns the service name this worker serves
func (w *Worker) Service() ServiceName {
	return w.service
}

// Recv sends reply for the previous request, if any, and then waits for
// the next request. It heartbeats and reconnects as needed while waiting.
func (w *Worker) Recv(ctx context.Context, reply [][]byte) ([][]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil, ErrClosed
	}
	if !w.started {
		w.started = true
		w.connect()
	}

	if reply != nil {
		if w.replyTo == nil {
			return nil, fmt.Errorf("mdp: reply without a pending request")
		}
		msg := &WorkerMessage{
			Command:  WorkerReply,
			Envelope: Envelope{Route: w.replyTo, Body: reply},
		}
		w.send(msg)
		w.replyTo = nil
	}

	for {
		timer := time.NewTimer(w.options.HeartbeatInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()

		case <-w.stop:
			timer.Stop()
			return nil, ErrClosed

		case msg := <-w.conn.inbox():
			timer.Stop()
			w.liveness.Reset()
			w.backoff.Reset()
			if request, ok := w.handle(msg); ok {
				return request, nil
			}

		case err := <-w.conn.failures():
			timer.Stop()
			w.log.Warn("receive from broker failed: %v", err)
			w.drop()

		case <-timer.C:
			if !w.liveness.Miss() {
				w.log.Debug("no heartbeat received from broker within %v", w.options.HeartbeatInterval)
				break
			}
			delay := w.backoff.Next()
			w.log.Warn("broker considered offline, reconnect after %v", delay)
			w.send(&WorkerMessage{Command: WorkerDisconnect})
			if err := w.sleep(ctx, delay); err != nil {
				return nil, err
			}
			w.connect()
		}

		if now := time.Now(); !now.Before(w.heartbeatAt) {
			w.send(&WorkerMessage{Command: WorkerHeartbeat})
			w.heartbeatAt = now.Add(w.options.HeartbeatInterval)
		}
	}
}

// handle processes one broker message and returns the request body when
// the message is a REQUEST.
func (w *Worker) handle(msg zmq4.Msg) ([][]byte, bool) {
	w.log.Frames("recv", msg.Frames)

	env, err := ParseEnvelope(msg.Frames)
	if err != nil {
		w.log.Warn("invalid message from broker: %v", err)
		return nil, false
	}
	wm, err := ParseWorkerMessage(env.Body)
	if err != nil {
		w.log.Warn("invalid message from broker: %v", err)
		return nil, false
	}

	switch wm.Command {
	case WorkerRequest:
		w.replyTo = wm.Envelope.Route
		return wm.Envelope.Body, true
	case WorkerHeartbeat:
		// Liveness already reset
	case WorkerDisconnect:
		w.log.Info("broker asked us to disconnect, reconnecting")
		w.connect()
	default:
		w.log.Warn("ignoring %s from broker", CommandName(wm.Command))
	}
	return nil, false
}

// Serve runs handler for every request until ctx is done or the worker is
// closed. Handler errors are sent back to the client as text.
func (w *Worker) Serve(ctx context.Context, handler RequestHandler) error {
	if handler == nil {
		return fmt.Errorf("mdp: request handler cannot be nil")
	}

	var reply [][]byte
	for {
		request, err := w.Recv(ctx, reply)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, ErrClosed) {
				return nil
			}
			return err
		}

		reply, err = handler(ctx, request)
		if err != nil {
			w.log.Error("request handler error: %v", err)
			reply = [][]byte{[]byte(fmt.Sprintf("Error: %v", err))}
		}
		if len(reply) == 0 {
			reply = [][]byte{{}}
		}
	}
}

// Close sends DISCONNECT to the broker and releases the connection.
func (w *Worker) Close() error {
	w.once.Do(func() { close(w.stop) })

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	var err error
	if w.conn != nil {
		w.send(&WorkerMessage{Command: WorkerDisconnect})
		err = w.conn.close()
		w.conn = nil
	}
	w.cancel()
	return err
}

// connect opens a fresh connection and announces READY. A failed dial
// leaves the worker unconnected; the liveness countdown retries later.
func (w *Worker) connect() {
	w.drop()
	w.replyTo = nil
	w.liveness.Reset()
	w.heartbeatAt = time.Now().Add(w.options.HeartbeatInterval)

	sock, err := w.dial(w.ctx, w.broker)
	if err != nil {
		w.log.Error("%v", err)
		return
	}
	w.conn = newConn(sock)
	w.send(&WorkerMessage{Command: WorkerReady, Service: w.service})
	w.log.Info("connecting to broker at %s for service %s", w.broker, w.service)
}

func (w *Worker) drop() {
	if w.conn != nil {
		w.conn.close()
		w.conn = nil
	}
}

func (w *Worker) send(msg *WorkerMessage) {
	if w.conn == nil {
		return
	}
	frames := msg.Frames()
	w.log.Frames("send", frames)
	if err := w.conn.send(frames); err != nil {
		w.log.Warn("failed to send %s to broker: %v", CommandName(msg.Command), err)
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-w.stop:
		return ErrClosed
	}
}
