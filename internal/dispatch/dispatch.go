// Copyright 2026 Marcelo Cantos
// SPDX-License-Identifier: Apache-2.0

// Package dispatch submits parsed commands to an rpc.Channel and routes
// their completions back.
package dispatch

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/marcelocantos/callpipe/internal/command"
	"github.com/marcelocantos/callpipe/internal/rpc"
)

// SubmitError reports a call the channel refused to take.
type SubmitError struct {
	Target  string
	Payload string
	Err     error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("calling %s(%s) failed: %v", e.Target, e.Payload, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// CompleteFunc receives every call's outcome exactly once.
type CompleteFunc func(cmd *command.Command, r rpc.Reply)

// Dispatcher numbers calls and hands them to the channel.
type Dispatcher struct {
	ch       rpc.Channel
	complete CompleteFunc
	echo     func(line string)
	seq      uint64
}

// New creates a Dispatcher sending on ch.
func New(ch rpc.Channel, complete CompleteFunc) *Dispatcher {
	return &Dispatcher{ch: ch, complete: complete}
}

// SetEcho makes the dispatcher report each outgoing call and event
// through fn before sending it.
func (d *Dispatcher) SetEcho(fn func(line string)) {
	d.echo = fn
}

// Sent returns the number of calls submitted so far.
func (d *Dispatcher) Sent() uint64 { return d.seq }

// Token builds the correlation token for call number seq.
func Token(seq uint64, cmd *command.Command) string {
	return strconv.FormatUint(seq, 10) + ":" + cmd.Target()
}

// Payload converts request text into JSON: empty text is null, valid JSON
// is kept, anything else becomes a JSON string.
func Payload(text string) json.RawMessage {
	if text == "" {
		return json.RawMessage("null")
	}
	if json.Valid([]byte(text)) {
		return json.RawMessage(text)
	}
	b, _ := json.Marshal(text)
	return b
}

func echoPayload(text string) string {
	if text == "" {
		return "null"
	}
	return text
}

// Submit sends cmd as a call and returns its token. If the channel
// refuses the call, the completion runs before Submit returns with a
// reply whose Err is a *SubmitError.
func (d *Dispatcher) Submit(cmd *command.Command) string {
	d.seq++
	token := Token(d.seq, cmd)
	if d.echo != nil {
		d.echo(fmt.Sprintf("SEND-CALL %s %s", cmd.Target(), echoPayload(cmd.Payload)))
	}

	call := rpc.Call{Token: token, API: cmd.API, Verb: cmd.Verb, Args: Payload(cmd.Payload)}
	err := d.ch.Call(call, func(r rpc.Reply) {
		if r.Token == "" {
			r.Token = token
		}
		d.complete(cmd, r)
	})
	if err != nil {
		serr := &SubmitError{Target: cmd.Target(), Payload: cmd.Payload, Err: err}
		d.complete(cmd, rpc.Failed(token, serr))
	}
	return token
}

// Emit sends cmd as an event. Events have no token and no completion.
func (d *Dispatcher) Emit(cmd *command.Command) error {
	if d.echo != nil {
		d.echo(fmt.Sprintf("SEND-EVENT: %s %s", cmd.Verb, echoPayload(cmd.Payload)))
	}
	if err := d.ch.SendEvent(cmd.Verb, Payload(cmd.Payload)); err != nil {
		return fmt.Errorf("sending !%s(%s) failed: %w", cmd.Verb, cmd.Payload, err)
	}
	return nil
}
