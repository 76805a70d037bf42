// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package majordomo implements the Majordomo Protocol (MDP) as specified by:
// https://rfc.zeromq.org/spec/7/
//
// It provides the broker, a synchronous client session and a worker
// session. The broker owns all of its state from a single goroutine; the
// sessions each own a private connection to the broker.
package majordomo

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Protocol constants as per RFC 7/MDP
const (
	// Client protocol identifier
	ClientProtocol = "MDPC01"

	// Worker protocol identifier
	WorkerProtocol = "MDPW01"

	// Default heartbeat values
	DefaultHeartbeatLiveness = 3                       // 3-5 is reasonable
	DefaultHeartbeatInterval = 2000 * time.Millisecond // below DefaultClientTimeout
	DefaultHeartbeatExpiry   = DefaultHeartbeatInterval * DefaultHeartbeatLiveness

	// Worker reconnect backoff, doubled after every failed attempt
	DefaultReconnectInitial = 2 * time.Second
	DefaultReconnectMax     = 32 * time.Second

	// Client retry policy
	DefaultClientTimeout = 2500 * time.Millisecond
	DefaultClientRetries = 3
)

// Worker commands as per MDP specification
const (
	WorkerReady      = "\001" // READY command
	WorkerRequest    = "\002" // REQUEST command
	WorkerReply      = "\003" // REPLY command
	WorkerHeartbeat  = "\004" // HEARTBEAT command
	WorkerDisconnect = "\005" // DISCONNECT command
)

var commandNames = map[string]string{
	WorkerReady:      "READY",
	WorkerRequest:    "REQUEST",
	WorkerReply:      "REPLY",
	WorkerHeartbeat:  "HEARTBEAT",
	WorkerDisconnect: "DISCONNECT",
}

// CommandName returns a printable name for a worker command.
func CommandName(command string) string {
	if name, ok := commandNames[command]; ok {
		return name
	}
	return fmt.Sprintf("%x", command)
}

// Majordomo Management Interface (MMI). Services under the reserved prefix
// are answered by the broker itself.
const (
	InternalPrefix = "mmi."
	MMIService     = ServiceName("mmi.service")

	MMIFound       = "200"
	MMINotFound    = "404"
	MMIUnsupported = "501"
)

var (
	// ErrProtocol is wrapped by every malformed-message error.
	ErrProtocol = errors.New("mdp: protocol violation")

	// ErrUnknownCommand is returned when a worker frame carries a command
	// outside of the MDP command set.
	ErrUnknownCommand = fmt.Errorf("%w: unknown command", ErrProtocol)

	// ErrNoReply is returned by the client once every retry timed out.
	ErrNoReply = errors.New("mdp: no reply")

	// ErrClosed is returned by sessions used after Close.
	ErrClosed = errors.New("mdp: session closed")
)

// ServiceName represents a MDP service name
type ServiceName string

// String returns the service name as a string
func (s ServiceName) String() string {
	return string(s)
}

// Validate checks if the service name is valid
func (s ServiceName) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("%w: empty service name", ErrProtocol)
	}
	if len(s) > 255 {
		return fmt.Errorf("%w: service name too long: %d bytes (max 255)", ErrProtocol, len(s))
	}
	return nil
}

// Internal reports whether the name falls under the reserved MMI prefix.
func (s ServiceName) Internal() bool {
	return strings.HasPrefix(string(s), InternalPrefix)
}

// ClientMessage is a request or reply exchanged between a client and the
// broker. Both directions share the layout [MDPC01][service][body...].
type ClientMessage struct {
	Service ServiceName
	Body    [][]byte
}

// To addresses the message along route (outermost address first).
func (m *ClientMessage) To(route [][]byte) Envelope {
	body := make([][]byte, 0, len(m.Body)+2)
	body = append(body, []byte(ClientProtocol), []byte(m.Service))
	body = append(body, m.Body...)
	return addressed(route, body)
}

// Frames returns the frames a client connection sends:
// [empty][MDPC01][service][body...].
func (m *ClientMessage) Frames() [][]byte {
	return m.To(nil).Frames()
}

// ParseClientMessage parses [MDPC01][service][body...]. At least one body
// frame is required.
func ParseClientMessage(frames [][]byte) (*ClientMessage, error) {
	if len(frames) < 3 {
		return nil, fmt.Errorf("%w: client message too short: %d frames", ErrProtocol, len(frames))
	}
	if string(frames[0]) != ClientProtocol {
		return nil, fmt.Errorf("%w: invalid client protocol: %q", ErrProtocol, frames[0])
	}
	service := ServiceName(frames[1])
	if err := service.Validate(); err != nil {
		return nil, err
	}
	return &ClientMessage{Service: service, Body: frames[2:]}, nil
}

// WorkerMessage is a command exchanged between a worker and the broker:
// [MDPW01][command][args...].
type WorkerMessage struct {
	Command string

	// Service is set for READY.
	Service ServiceName

	// Envelope is set for REQUEST and REPLY: the client return route and
	// the payload.
	Envelope Envelope
}

// To addresses the message along route (outermost address first).
func (m *WorkerMessage) To(route [][]byte) Envelope {
	body := [][]byte{[]byte(WorkerProtocol), []byte(m.Command)}
	switch m.Command {
	case WorkerReady:
		body = append(body, []byte(m.Service))
	case WorkerRequest, WorkerReply:
		body = append(body, m.Envelope.Frames()...)
	}
	return addressed(route, body)
}

// Frames returns the frames a worker connection sends:
// [empty][MDPW01][command][args...].
func (m *WorkerMessage) Frames() [][]byte {
	return m.To(nil).Frames()
}

// ParseWorkerMessage parses [MDPW01][command][args...]. Commands outside
// the MDP set yield an error wrapping ErrUnknownCommand.
func ParseWorkerMessage(frames [][]byte) (*WorkerMessage, error) {
	if len(frames) < 2 {
		return nil, fmt.Errorf("%w: worker message too short: %d frames", ErrProtocol, len(frames))
	}
	if string(frames[0]) != WorkerProtocol {
		return nil, fmt.Errorf("%w: invalid worker protocol: %q", ErrProtocol, frames[0])
	}

	msg := &WorkerMessage{Command: string(frames[1])}
	args := frames[2:]

	switch msg.Command {
	case WorkerReady:
		if len(args) < 1 {
			return nil, fmt.Errorf("%w: READY message missing service name", ErrProtocol)
		}
		msg.Service = ServiceName(args[0])
		if err := msg.Service.Validate(); err != nil {
			return nil, err
		}

	case WorkerRequest, WorkerReply:
		env, err := ParseEnvelope(args)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", CommandName(msg.Command), err)
		}
		if len(env.Route) == 0 {
			return nil, fmt.Errorf("%w: %s without client address", ErrProtocol, CommandName(msg.Command))
		}
		msg.Envelope = env

	case WorkerHeartbeat, WorkerDisconnect:
		// No arguments

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, msg.Command)
	}

	return msg, nil
}
