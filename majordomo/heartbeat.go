// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package majordomo

import "time"

// HeartbeatPolicy describes how often peers report in and how many
// intervals may pass in silence before a peer is presumed dead.
type HeartbeatPolicy struct {
	Interval time.Duration
	Liveness int
}

// DefaultHeartbeatPolicy returns the RFC 7 reference values.
func DefaultHeartbeatPolicy() HeartbeatPolicy {
	return HeartbeatPolicy{
		Interval: DefaultHeartbeatInterval,
		Liveness: DefaultHeartbeatLiveness,
	}
}

// Expiry is the silence a peer is allowed before it is considered dead.
func (p HeartbeatPolicy) Expiry() time.Duration {
	return p.Interval * time.Duration(p.Liveness)
}

// Deadline returns the absolute expiry for a peer last heard from at now.
func (p HeartbeatPolicy) Deadline(now time.Time) time.Time {
	return now.Add(p.Expiry())
}

// Liveness counts down the intervals a peer may stay silent.
type Liveness struct {
	max  int
	left int
}

// NewLiveness returns a full countdown of max intervals.
func NewLiveness(max int) *Liveness {
	if max < 1 {
		max = 1
	}
	return &Liveness{max: max, left: max}
}

// Reset refills the countdown; called whenever the peer is heard from.
func (l *Liveness) Reset() {
	l.left = l.max
}

// Miss records one silent interval and reports whether the peer is now
// presumed dead.
func (l *Liveness) Miss() bool {
	if l.left > 0 {
		l.left--
	}
	return l.left == 0
}

// Left returns the remaining silent intervals.
func (l *Liveness) Left() int {
	return l.left
}

// Backoff is an exponential reconnect delay capped at Max.
type Backoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
}

// NewBackoff returns a backoff starting at initial. A max below initial is
// raised to initial.
func NewBackoff(initial, max time.Duration) *Backoff {
	if max < initial {
		max = initial
	}
	return &Backoff{initial: initial, max: max, current: initial}
}

// Current returns the delay to wait before the next reconnect.
func (b *Backoff) Current() time.Duration {
	return b.current
}

// Next returns the current delay and doubles it for the following attempt.
func (b *Backoff) Next() time.Duration {
	d := b.current
	if b.current < b.max {
		b.current *= 2
		if b.current > b.max {
			b.current = b.max
		}
	}
	return d
}

// Reset restores the initial delay.
func (b *Backoff) Reset() {
	b.current = b.initial
}
