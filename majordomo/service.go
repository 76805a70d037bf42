// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package majordomo

import (
	"container/list"

	"github.com/golang-collections/collections/queue"
)

// service is a named queue of pending requests and the LRU list of idle
// workers able to serve them.
type service struct {
	name ServiceName

	// requests holds Envelope values addressed back to their clients.
	requests *queue.Queue

	// waiting holds *worker values, longest idle at the front.
	waiting *list.List

	// workers counts every worker ever attached; it is never decremented.
	workers int
}

func newService(name ServiceName) *service {
	return &service{
		name:     name,
		requests: queue.New(),
		waiting:  list.New(),
	}
}

func (s *service) enqueue(req Envelope) {
	s.requests.Enqueue(req)
}

func (s *service) dequeue() Envelope {
	return s.requests.Dequeue().(Envelope)
}

func (s *service) pending() int {
	return s.requests.Len()
}

// requireService locates a service by name, creating it on first use.
func (b *Broker) requireService(name ServiceName) *service {
	svc, ok := b.services[name]
	if !ok {
		svc = newService(name)
		b.services[name] = svc
		b.log.Debug("added service: %s", name)
	}
	return svc
}

// dispatch pairs the oldest pending requests with the longest idle
// workers until either side runs out.
func (b *Broker) dispatch(svc *service) {
	for svc.waiting.Len() > 0 && svc.pending() > 0 {
		w := svc.waiting.Front().Value.(*worker)
		b.unlinkIdle(w)
		req := svc.dequeue()
		b.sendToWorker(w, &WorkerMessage{Command: WorkerRequest, Envelope: req})
		b.metrics.dispatched.WithLabelValues(string(svc.name)).Inc()
		b.log.Debug("dispatched request from %s to worker %s for service %s", req, w, svc.name)
	}
}
