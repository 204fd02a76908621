// Copyright 2026 Marcelo Cantos
// SPDX-License-Identifier: Apache-2.0

// Package render formats replies and events for the output streams.
package render

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/marcelocantos/callpipe/internal/rpc"
)

// Format selects what is printed. Raw and Human may both be set; when
// neither is, Raw is assumed.
type Format struct {
	Raw   bool
	Human bool
	Quiet bool // suppress successful replies
}

type rawStatus struct {
	Status string `json:"status"`
	Info   string `json:"info,omitempty"`
}

type rawReply struct {
	JType    string          `json:"jtype"`
	Request  rawStatus       `json:"request"`
	Response json.RawMessage `json:"response,omitempty"`
}

type rawEvent struct {
	JType string          `json:"jtype"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type rawCall struct {
	JType string          `json:"jtype"`
	API   string          `json:"api"`
	Verb  string          `json:"verb"`
	Data  json.RawMessage `json:"data"`
}

func (f Format) raw() bool { return f.Raw || !f.Human }

// Reply renders a completed call. It returns nil when nothing is to be
// printed.
func (f Format) Reply(r rpc.Reply) []byte {
	if f.Quiet && r.OK() {
		return nil
	}
	status := r.Status
	if status == "" {
		status = rpc.StatusSuccess
	}
	var buf bytes.Buffer
	if f.raw() {
		writeJSONLine(&buf, rawReply{
			JType:    "afb-reply",
			Request:  rawStatus{Status: status, Info: r.Info},
			Response: valid(r.Data, true),
		})
	}
	if f.Human {
		fmt.Fprintf(&buf, "ON-REPLY %s: %s %s\n", r.Token, status, r.Info)
		buf.Write(pretty(r.Data))
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// Event renders a server-pushed event.
func (f Format) Event(ev rpc.Event) []byte {
	var buf bytes.Buffer
	if f.raw() {
		writeJSONLine(&buf, rawEvent{JType: "afb-event", Event: ev.Name, Data: valid(ev.Data, false)})
	}
	if f.Human {
		fmt.Fprintf(&buf, "ON-EVENT %s:\n", ev.Name)
		buf.Write(pretty(ev.Data))
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// Call renders a call the server made to the client.
func (f Format) Call(c rpc.Call) []byte {
	var buf bytes.Buffer
	if f.raw() {
		writeJSONLine(&buf, rawCall{JType: "afb-call", API: c.API, Verb: c.Verb, Data: valid(c.Args, false)})
	}
	if f.Human {
		fmt.Fprintf(&buf, "ON-CALL %s/%s:\n", c.API, c.Verb)
		buf.Write(pretty(c.Args))
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// Hangup is printed once when the connection is lost.
func Hangup() []byte {
	return []byte("ON-HANGUP\n")
}

// Line terminates s with a newline.
func Line(s string) []byte {
	b := make([]byte, 0, len(s)+1)
	b = append(b, s...)
	return append(b, '\n')
}

func writeJSONLine(buf *bytes.Buffer, v any) {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(buf, "{\"jtype\":\"error\",\"error\":%q}\n", err.Error())
	}
}

// valid returns data as embeddable JSON. Empty data is omitted when
// omit is set and null otherwise; invalid JSON is carried as a string.
func valid(data json.RawMessage, omit bool) json.RawMessage {
	if len(bytes.TrimSpace(data)) == 0 {
		if omit {
			return nil
		}
		return json.RawMessage("null")
	}
	if json.Valid(data) {
		return data
	}
	s, _ := json.Marshal(string(data))
	return s
}

func pretty(data json.RawMessage) []byte {
	data = valid(data, false)
	var out bytes.Buffer
	if err := json.Indent(&out, data, "", "  "); err != nil {
		return data
	}
	return out.Bytes()
}
