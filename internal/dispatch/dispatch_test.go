// Copyright 2026 Marcelo Cantos
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcelocantos/callpipe/internal/command"
	"github.com/marcelocantos/callpipe/internal/rpc"
	"github.com/marcelocantos/callpipe/internal/rpc/rpctest"
)

type completion struct {
	cmd   *command.Command
	reply rpc.Reply
}

func TestSubmitTokens(t *testing.T) {
	fake := &rpctest.Fake{}
	d := New(fake, func(*command.Command, rpc.Reply) {})

	assert.Equal(t, "1:hello/ping", d.Submit(&command.Command{API: "hello", Verb: "ping"}))
	assert.Equal(t, "2:hello/ping", d.Submit(&command.Command{API: "hello", Verb: "ping"}))
	assert.Equal(t, "3:status", d.Submit(&command.Command{Verb: "status"}))
	assert.Equal(t, uint64(3), d.Sent())

	calls := fake.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "hello", calls[0].API)
	assert.Equal(t, "ping", calls[0].Verb)
	assert.Equal(t, "3:status", calls[2].Token)
	assert.Empty(t, calls[2].API)
}

func TestCompletionCarriesCommand(t *testing.T) {
	fake := &rpctest.Fake{}
	var got []completion
	d := New(fake, func(c *command.Command, r rpc.Reply) { got = append(got, completion{c, r}) })

	cmd1 := &command.Command{API: "a", Verb: "x"}
	cmd2 := &command.Command{API: "a", Verb: "y"}
	tok1 := d.Submit(cmd1)
	tok2 := d.Submit(cmd2)

	// Out of order.
	require.True(t, fake.Complete(tok2, rpc.Reply{Status: "failed"}))
	require.True(t, fake.Complete(tok1, rpc.Reply{Status: rpc.StatusSuccess}))

	require.Len(t, got, 2)
	assert.Same(t, cmd2, got[0].cmd)
	assert.Equal(t, tok2, got[0].reply.Token)
	assert.False(t, got[0].reply.OK())
	assert.Same(t, cmd1, got[1].cmd)
	assert.True(t, got[1].reply.OK())
}

func TestSynchronousSubmitFailure(t *testing.T) {
	boom := errors.New("connection reset")
	fake := &rpctest.Fake{CallErr: boom}
	var got []completion
	d := New(fake, func(c *command.Command, r rpc.Reply) { got = append(got, completion{c, r}) })

	tok := d.Submit(&command.Command{API: "hello", Verb: "ping", Payload: "{}"})

	require.Len(t, got, 1, "completed before Submit returned")
	r := got[0].reply
	assert.Equal(t, tok, r.Token)
	assert.False(t, r.OK())
	var serr *SubmitError
	require.ErrorAs(t, r.Err, &serr)
	assert.ErrorIs(t, r.Err, boom)
	assert.Equal(t, "calling hello/ping({}) failed: connection reset", serr.Error())
}

func TestPayloadNormalisation(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "null"},
		{`{"x":1}`, `{"x":1}`},
		{"[1, 2]", "[1, 2]"},
		{"42", "42"},
		{`"quoted"`, `"quoted"`},
		{"hello world", `"hello world"`},
		{`{"broken":`, `"{\"broken\":"`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, string(Payload(tt.in)), "payload %q", tt.in)
	}
}

func TestEmitAndEcho(t *testing.T) {
	fake := &rpctest.Fake{}
	d := New(fake, func(*command.Command, rpc.Reply) { t.Fatal("events never complete") })
	var echoed []string
	d.SetEcho(func(s string) { echoed = append(echoed, s) })

	require.NoError(t, d.Emit(&command.Command{Kind: command.Event, Verb: "changed", Payload: `{"v":2}`}))
	require.NoError(t, d.Emit(&command.Command{Kind: command.Event, Verb: "bare"}))

	events := fake.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "changed", events[0].Name)
	assert.JSONEq(t, `{"v":2}`, string(events[0].Data))
	assert.Equal(t, "null", string(events[1].Data))
	assert.Equal(t, []string{`SEND-EVENT: changed {"v":2}`, "SEND-EVENT: bare null"}, echoed)
	assert.Zero(t, d.Sent(), "events take no sequence number")

	fake.EventErr = rpc.ErrNotSupported
	err := d.Emit(&command.Command{Kind: command.Event, Verb: "x"})
	assert.ErrorIs(t, err, rpc.ErrNotSupported)
}

func TestEchoCall(t *testing.T) {
	d := New(&rpctest.Fake{}, func(*command.Command, rpc.Reply) {})
	var echoed []string
	d.SetEcho(func(s string) { echoed = append(echoed, s) })

	d.Submit(&command.Command{API: "hello", Verb: "ping"})
	d.Submit(&command.Command{Verb: "status", Payload: "1"})
	assert.Equal(t, []string{"SEND-CALL hello/ping null", "SEND-CALL status 1"}, echoed)
}
