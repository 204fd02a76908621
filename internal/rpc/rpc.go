// Copyright 2026 Marcelo Cantos
// SPDX-License-Identifier: Apache-2.0

// Package rpc defines the channel through which commands reach a remote
// service, and the values that flow across it.
package rpc

import (
	"encoding/json"
	"errors"
)

// StatusSuccess is the status of a call that completed without error.
const StatusSuccess = "success"

var (
	// ErrClosed reports use of a channel after hangup or Close.
	ErrClosed = errors.New("channel closed")
	// ErrNotSupported reports an operation the transport cannot carry.
	ErrNotSupported = errors.New("not supported by transport")
)

// Call is one outgoing request.
type Call struct {
	Token string // correlation token, echoed in the Reply
	API   string // empty in direct mode
	Verb  string
	Args  json.RawMessage
}

// Reply is the outcome of a Call. Err is set when the call never
// produced a remote answer.
type Reply struct {
	Token  string
	Status string
	Info   string
	Data   json.RawMessage
	Err    error
}

// OK reports whether the call succeeded.
func (r Reply) OK() bool {
	return r.Err == nil && r.Status == StatusSuccess
}

// Failed builds the reply for a call that could not be carried out.
func Failed(token string, err error) Reply {
	return Reply{Token: token, Status: "failed", Info: err.Error(), Err: err}
}

// Event is a fire-and-forget message in either direction.
type Event struct {
	Name string
	Data json.RawMessage
}

// Channel is a persistent connection to a remote service.
//
// Call returns an error if the call could not be submitted, in which case
// done is never invoked. Otherwise done runs exactly once, on the
// goroutine owning the Poster the channel was built with.
type Channel interface {
	Call(c Call, done func(Reply)) error
	SendEvent(name string, data json.RawMessage) error
	OnEvent(fn func(Event))
	OnHangup(fn func())
	Close() error
}

// Inbound is implemented by channels on which the remote side may call
// the client. The channel answers such calls itself; fn only observes them
// and runs on the Poster's goroutine.
type Inbound interface {
	OnCall(fn func(Call))
}

// Poster runs functions on the loop goroutine.
type Poster interface {
	Post(fn func())
}

// PosterFunc adapts a function to Poster.
type PosterFunc func(fn func())

// Post calls f(fn).
func (f PosterFunc) Post(fn func()) { f(fn) }
