// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package majordomo

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-zeromq/zmq4"
	"github.com/google/uuid"
)

// Transport is the part of a ZeroMQ socket used by the broker and the
// sessions: framed send, blocking receive and close. zmq4.Socket
// satisfies it.
type Transport interface {
	Send(msg zmq4.Msg) error
	Recv() (zmq4.Msg, error)
	Close() error
}

// Dialer connects a client or worker transport to a broker endpoint.
type Dialer func(ctx context.Context, endpoint string) (Transport, error)

// Listener binds the broker transport to an endpoint.
type Listener func(ctx context.Context, endpoint string) (Transport, error)

// DealerDialer returns a Dialer creating DEALER sockets with a random
// identity, secured by sec when it is not nil.
func DealerDialer(sec zmq4.Security) Dialer {
	return func(ctx context.Context, endpoint string) (Transport, error) {
		opts := []zmq4.Option{zmq4.WithID(zmq4.SocketIdentity(uuid.NewString()))}
		if sec != nil {
			opts = append(opts, zmq4.WithSecurity(sec))
		}
		sock := zmq4.NewDealer(ctx, opts...)
		if err := sock.Dial(endpoint); err != nil {
			sock.Close()
			return nil, fmt.Errorf("mdp: failed to connect to %s: %w", endpoint, err)
		}
		return sock, nil
	}
}

// RouterListener returns a Listener binding a ROUTER socket, secured by
// sec when it is not nil.
func RouterListener(sec zmq4.Security) Listener {
	return func(ctx context.Context, endpoint string) (Transport, error) {
		var sock zmq4.Socket
		if sec != nil {
			sock = zmq4.NewRouter(ctx, zmq4.WithSecurity(sec))
		} else {
			sock = zmq4.NewRouter(ctx)
		}
		if err := sock.Listen(endpoint); err != nil {
			sock.Close()
			return nil, fmt.Errorf("mdp: failed to bind %s: %w", endpoint, err)
		}
		return sock, nil
	}
}

// conn pumps a transport's inbound messages into channels so that the
// owner can wait on them together with timers.
type conn struct {
	sock Transport
	msgs chan zmq4.Msg
	errs chan error
	done chan struct{}
	once sync.Once
}

func newConn(sock Transport) *conn {
	c := &conn{
		sock: sock,
		msgs: make(chan zmq4.Msg, 16),
		errs: make(chan error, 1),
		done: make(chan struct{}),
	}
	go c.read()
	return c
}

func (c *conn) read() {
	for {
		msg, err := c.sock.Recv()
		if err != nil {
			select {
			case c.errs <- err:
			case <-c.done:
			}
			return
		}
		select {
		case c.msgs <- msg:
		case <-c.done:
			return
		}
	}
}

// inbox and failures are nil-safe so a missing connection blocks forever
// inside a select.
func (c *conn) inbox() <-chan zmq4.Msg {
	if c == nil {
		return nil
	}
	return c.msgs
}

func (c *conn) failures() <-chan error {
	if c == nil {
		return nil
	}
	return c.errs
}

func (c *conn) send(frames [][]byte) error {
	return c.sock.Send(zmq4.NewMsgFrom(frames...))
}

func (c *conn) close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.sock.Close()
	})
	return err
}
