// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package testutil

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-zeromq/zmq4"
)

// ErrPipeClosed is returned by a closed Pipe.
var ErrPipeClosed = errors.New("testutil: pipe closed")

// Pipe is an in-memory socket. Messages handed to Deliver come out of
// Recv; messages passed to Send are recorded for the test to inspect.
type Pipe struct {
	Endpoint string

	in   chan zmq4.Msg
	sent chan zmq4.Msg
	done chan struct{}
	once sync.Once
}

// NewPipe returns an open pipe.
func NewPipe(endpoint string) *Pipe {
	return &Pipe{
		Endpoint: endpoint,
		in:       make(chan zmq4.Msg, 64),
		sent:     make(chan zmq4.Msg, 256),
		done:     make(chan struct{}),
	}
}

// Send records msg for the test; it fails once the pipe is closed.
func (p *Pipe) Send(msg zmq4.Msg) error {
	select {
	case <-p.done:
		return ErrPipeClosed
	default:
	}
	select {
	case p.sent <- msg:
		return nil
	case <-p.done:
		return ErrPipeClosed
	}
}

// Recv blocks for the next delivered message or until Close.
func (p *Pipe) Recv() (zmq4.Msg, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.done:
		return zmq4.Msg{}, ErrPipeClosed
	}
}

// Close unblocks Recv and makes further sends fail. It is idempotent.
func (p *Pipe) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

// Closed reports whether Close was called.
func (p *Pipe) Closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Deliver queues an inbound message made of frames.
func (p *Pipe) Deliver(frames ...[]byte) {
	p.in <- zmq4.NewMsgFrom(frames...)
}

// Sent exposes the messages written to the pipe, in order.
func (p *Pipe) Sent() <-chan zmq4.Msg {
	return p.sent
}

// Next waits up to timeout for the next sent message and returns its
// frames. The test fails when nothing arrives.
func (p *Pipe) Next(t testing.TB, timeout time.Duration) [][]byte {
	t.Helper()
	select {
	case msg := <-p.sent:
		return msg.Frames
	case <-time.After(timeout):
		t.Fatalf("no message sent on %s within %v", p.Endpoint, timeout)
		return nil
	}
}

// Drain returns every message sent so far without waiting.
func (p *Pipe) Drain() [][][]byte {
	var out [][][]byte
	for {
		select {
		case msg := <-p.sent:
			out = append(out, msg.Frames)
		default:
			return out
		}
	}
}

// ExpectSilence fails the test if anything is sent within d.
func (p *Pipe) ExpectSilence(t testing.TB, d time.Duration) {
	t.Helper()
	select {
	case msg := <-p.sent:
		t.Fatalf("unexpected message on %s: %q", p.Endpoint, msg.Frames)
	case <-time.After(d):
	}
}

// PipeDialer hands out a fresh Pipe for every dial and remembers them.
type PipeDialer struct {
	// Fail, when set, is returned by every dial instead of a pipe.
	Fail error

	mu    sync.Mutex
	pipes []*Pipe
	dials chan *Pipe
}

// NewPipeDialer returns a dialer that has not dialed yet.
func NewPipeDialer() *PipeDialer {
	return &PipeDialer{dials: make(chan *Pipe, 64)}
}

// Dial returns a fresh pipe for endpoint, or Fail when it is set.
func (d *PipeDialer) Dial(ctx context.Context, endpoint string) (*Pipe, error) {
	if d.Fail != nil {
		return nil, d.Fail
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := NewPipe(endpoint)
	d.mu.Lock()
	d.pipes = append(d.pipes, p)
	d.mu.Unlock()
	d.dials <- p
	return p, nil
}

// Pipes returns every pipe dialed so far.
func (d *PipeDialer) Pipes() []*Pipe {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Pipe, len(d.pipes))
	copy(out, d.pipes)
	return out
}

// Dialed yields every pipe as it is dialed. Use it from goroutines that
// cannot fail the test.
func (d *PipeDialer) Dialed() <-chan *Pipe {
	return d.dials
}

// Next waits up to timeout for the next dial.
func (d *PipeDialer) Next(t testing.TB, timeout time.Duration) *Pipe {
	t.Helper()
	select {
	case p := <-d.dials:
		return p
	case <-time.After(timeout):
		t.Fatalf("no dial within %v", timeout)
		return nil
	}
}
