// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package majordomo

import (
	"container/list"
	"encoding/hex"
	"time"
)

// worker is the broker's view of a connected worker. A worker is idle
// while it is linked into both waiting lists and busy otherwise.
type worker struct {
	identity string
	route    [][]byte
	service  *service
	expiry   time.Time

	idle       *list.Element // position in service.waiting
	idleBroker *list.Element // position in Broker.waiting
}

func (w *worker) String() string {
	return hex.EncodeToString([]byte(w.identity))
}

func (w *worker) expired(now time.Time) bool {
	return !now.Before(w.expiry)
}

// registerWorker attaches a new worker to svc and marks it idle.
func (b *Broker) registerWorker(route [][]byte, svc *service) *worker {
	w := &worker{
		identity: string(route[0]),
		route:    route,
		service:  svc,
	}
	b.workers[w.identity] = w
	svc.workers++
	b.markWaiting(w)

	b.metrics.registered.WithLabelValues(string(svc.name)).Inc()
	b.metrics.workers.Inc()
	b.log.Info("worker %s registered for service %s", w, svc.name)
	return w
}

// markWaiting refreshes the worker's expiry and moves it to the tail of
// both idle lists.
func (b *Broker) markWaiting(w *worker) {
	b.unlinkIdle(w)
	w.expiry = b.heartbeat.Deadline(b.now())
	w.idle = w.service.waiting.PushBack(w)
	w.idleBroker = b.waiting.PushBack(w)
}

func (b *Broker) unlinkIdle(w *worker) {
	if w.idle != nil {
		w.service.waiting.Remove(w.idle)
		w.idle = nil
	}
	if w.idleBroker != nil {
		b.waiting.Remove(w.idleBroker)
		w.idleBroker = nil
	}
}

// deleteWorker forgets the worker, optionally telling it to disconnect.
// The service's worker count is left untouched.
func (b *Broker) deleteWorker(w *worker, disconnect bool) {
	if disconnect {
		b.sendToWorker(w, &WorkerMessage{Command: WorkerDisconnect})
	}
	b.unlinkIdle(w)
	delete(b.workers, w.identity)
	b.metrics.workers.Dec()
	b.log.Debug("deleted worker %s from service %s", w, w.service.name)
}

// purge deletes idle workers whose expiry has passed. Every expiry refresh
// moves the worker to the back of b.waiting, so the list is ordered by
// expiry and the sweep stops at the first live worker.
func (b *Broker) purge(now time.Time) {
	for e := b.waiting.Front(); e != nil; e = b.waiting.Front() {
		w := e.Value.(*worker)
		if !w.expired(now) {
			return
		}
		b.log.Info("deleting expired worker %s from service %s", w, w.service.name)
		b.deleteWorker(w, false)
		b.metrics.purged.Inc()
		b.purged++
	}
}
