// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package majordomo

// serveInternal answers a request for a reserved mmi.* service. Only
// mmi.service is implemented: its last body frame names the service to
// look up and is replaced by the status code.
func (b *Broker) serveInternal(route [][]byte, msg *ClientMessage) {
	code := MMIUnsupported
	if msg.Service == MMIService {
		code = MMINotFound
		name := ServiceName(msg.Body[len(msg.Body)-1])
		if svc, ok := b.services[name]; ok && svc.workers > 0 {
			code = MMIFound
		}
	}

	body := make([][]byte, len(msg.Body))
	copy(body, msg.Body)
	body[len(body)-1] = []byte(code)

	reply := &ClientMessage{Service: msg.Service, Body: body}
	b.send(reply.To(route))
	b.log.Debug("%s query from %s answered %s", msg.Service, Envelope{Route: route}, code)
}
