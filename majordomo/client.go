// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package majordomo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"

	"github.com/destiny/mdbroker/internal/logging"
)

// ClientOptions configures MDP client behavior
type ClientOptions struct {
	Timeout  time.Duration // Per-attempt reply timeout
	Retries  int           // Attempts before giving up
	Security zmq4.Security // Security mechanism (nil for no security)

	Logger *logging.Logger // nil discards logs
	Dial   Dialer          // nil dials a DEALER socket
}

// DefaultClientOptions returns default client options
func DefaultClientOptions() *ClientOptions {
	return &ClientOptions{
		Timeout: DefaultClientTimeout,
		Retries: DefaultClientRetries,
	}
}

// Client is a synchronous MDP client session. Each attempt that times out
// is retried on a fresh connection; a slow broker and a dead one look the
// same from here.
type Client struct {
	broker  string
	options *ClientOptions
	log     *logging.Logger
	dial    Dialer

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conn   *conn
	closed bool
}

// NewClient creates a new MDP client. The connection is opened lazily by
// the first request.
func NewClient(broker string, options *ClientOptions) (*Client, error) {
	if options == nil {
		options = DefaultClientOptions()
	}
	if options.Retries < 1 {
		return nil, fmt.Errorf("mdp: client retries must be positive, got %d", options.Retries)
	}
	if options.Timeout <= 0 {
		return nil, fmt.Errorf("mdp: client timeout must be positive, got %v", options.Timeout)
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

	return &Client{
		broker:  broker,
		options: options,
		log:     log.With("client"),
		dial:    dial,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Send sends a request to service and waits for the reply body. After
// Retries unanswered attempts it returns ErrNoReply. A reply with a bad
// header or a different service yields an error wrapping ErrProtocol
// and is not retried.
func (c *Client) Send(ctx context.Context, service ServiceName, body ...[]byte) ([][]byte, error) {
	if err := service.Validate(); err != nil {
		return nil, fmt.Errorf("mdp: %w", err)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("mdp: request to %s has no body", service)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	request := (&ClientMessage{Service: service, Body: body}).Frames()
	c.log.Debug("sending request to %q service", service)
	c.log.Frames("send", request)

	for retries := c.options.Retries; retries > 0; retries-- {
		if retries < c.options.Retries {
			c.log.Warn("no reply within %v, reconnecting...", c.options.Timeout)
			c.reset()
		}

		if c.conn == nil {
			if err := c.connect(); err != nil {
				c.log.Warn("%v", err)
				continue
			}
		}
		if err := c.conn.send(request); err != nil {
			c.log.Warn("failed to send request to %s: %v", service, err)
			continue
		}

		reply, done, err := c.await(ctx, service)
		if done {
			return reply, err
		}
	}

	c.log.Error("permanent error, abandoning request to %s", service)
	c.reset()
	return nil, fmt.Errorf("%w from %s after %d attempts", ErrNoReply, service, c.options.Retries)
}

// await waits one timeout for the reply. done is false when the attempt
// should be retried.
func (c *Client) await(ctx context.Context, service ServiceName) (reply [][]byte, done bool, err error) {
	timer := time.NewTimer(c.options.Timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		c.reset()
		return nil, true, ctx.Err()

	case <-c.ctx.Done():
		return nil, true, ErrClosed

	case msg := <-c.conn.inbox():
		c.log.Frames("recv", msg.Frames)
		body, err := parseClientReply(msg.Frames, service)
		if err != nil {
			c.log.Error("%v", err)
			c.reset()
			return nil, true, err
		}
		return body, true, nil

	case err := <-c.conn.failures():
		c.log.Warn("receive failed: %v", err)
		return nil, false, nil

	case <-timer.C:
		return nil, false, nil
	}
}

func parseClientReply(frames [][]byte, service ServiceName) ([][]byte, error) {
	env, err := ParseEnvelope(frames)
	if err != nil {
		return nil, fmt.Errorf("mdp: invalid reply: %w", err)
	}
	msg, err := ParseClientMessage(env.Body)
	if err != nil {
		return nil, fmt.Errorf("mdp: invalid reply: %w", err)
	}
	if msg.Service != service {
		return nil, fmt.Errorf("%w: reply for service %q, expected %q", ErrProtocol, msg.Service, service)
	}
	return msg.Body, nil
}

// Request is Send for single-frame requests and replies.
func (c *Client) Request(ctx context.Context, service ServiceName, body []byte) ([]byte, error) {
	reply, err := c.Send(ctx, service, body)
	if err != nil {
		return nil, err
	}
	return reply[0], nil
}

// ServiceAvailable asks the broker whether service has ever had a worker.
func (c *Client) ServiceAvailable(ctx context.Context, service ServiceName) (bool, error) {
	reply, err := c.Send(ctx, MMIService, []byte(service))
	if err != nil {
		return false, err
	}
	switch code := string(reply[len(reply)-1]); code {
	case MMIFound:
		return true, nil
	case MMINotFound:
		return false, nil
	default:
		return false, fmt.Errorf("mdp: %s answered %q", MMIService, code)
	}
}

// Close closes the connection. Further requests fail with ErrClosed.
func (c *Client) Close() error {
	c.cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.reset()
}

func (c *Client) connect() error {
	sock, err := c.dial(c.ctx, c.broker)
	if err != nil {
		return err
	}
	c.conn = newConn(sock)
	c.log.Debug("connecting to broker at %s...", c.broker)
	return nil
}

func (c *Client) reset() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.close()
	c.conn = nil
	return err
}
