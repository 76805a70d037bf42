// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package majordomo

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Envelope is an addressed message. Route holds the return path from the
// outermost address to the innermost; Body is the opaque payload.
// On the wire the route is separated from the body by one empty frame.
type Envelope struct {
	Route [][]byte
	Body  [][]byte
}

func addressed(route [][]byte, body [][]byte) Envelope {
	env := Envelope{Body: body}
	for i := len(route) - 1; i >= 0; i-- {
		env.Wrap(route[i])
	}
	return env
}

// Wrap pushes addr as the new outermost address.
func (e *Envelope) Wrap(addr []byte) {
	route := make([][]byte, 0, len(e.Route)+1)
	route = append(route, addr)
	e.Route = append(route, e.Route...)
}

// Unwrap pops the outermost address. It returns nil when the route is empty.
func (e *Envelope) Unwrap() []byte {
	if len(e.Route) == 0 {
		return nil
	}
	addr := e.Route[0]
	e.Route = e.Route[1:]
	return addr
}

// Frames serializes the envelope as [route...][empty][body...].
func (e Envelope) Frames() [][]byte {
	frames := make([][]byte, 0, len(e.Route)+1+len(e.Body))
	frames = append(frames, e.Route...)
	frames = append(frames, []byte{})
	return append(frames, e.Body...)
}

// String renders the route as hex addresses for logging.
func (e Envelope) String() string {
	parts := make([]string, len(e.Route))
	for i, addr := range e.Route {
		parts[i] = hex.EncodeToString(addr)
	}
	return strings.Join(parts, "/")
}

// ParseEnvelope splits frames at the first empty delimiter frame.
func ParseEnvelope(frames [][]byte) (Envelope, error) {
	for i, frame := range frames {
		if len(frame) == 0 {
			route := make([][]byte, i)
			copy(route, frames[:i])
			return Envelope{Route: route, Body: frames[i+1:]}, nil
		}
	}
	return Envelope{}, fmt.Errorf("%w: missing empty delimiter frame", ErrProtocol)
}
