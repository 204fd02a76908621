// Copyright 2026 Marcelo Cantos
// SPDX-License-Identifier: Apache-2.0

// Package command parses input lines into calls, events and shell escapes.
package command

import (
	"errors"
	"fmt"
	"strings"
)

// Mode selects how the first fields of a line are interpreted.
type Mode int

const (
	Addressed Mode = iota // api verb [payload]
	Direct                // verb [payload]
)

func (m Mode) String() string {
	switch m {
	case Addressed:
		return "addressed"
	case Direct:
		return "direct"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Kind tells what a parsed line asks for.
type Kind int

const (
	Call  Kind = iota // remote call expecting a reply
	Event             // fire-and-forget event emission
	Shell             // local shell escape
)

// EventAPI is the api field that turns a line into an event emission.
const EventAPI = "!"

// ErrVerbMissing reports an addressed line with an api but no verb.
var ErrVerbMissing = errors.New("verb missing")

// Command is one parsed input line.
type Command struct {
	Kind    Kind
	API     string // empty in direct mode and for events
	Verb    string // call verb or event name
	Payload string // raw request text, possibly empty
	Shell   string // command text for shell escapes
	Raw     string // the line as read
}

// Target returns "api/verb" or "verb".
func (c *Command) Target() string {
	if c.API == "" {
		return c.Verb
	}
	return c.API + "/" + c.Verb
}

const separators = " \t"

// Parser turns lines into commands.
type Parser struct {
	Mode Mode
}

// Parse parses one line, without its trailing newline. It returns nil, nil
// for blank lines and comments.
func (p Parser) Parse(line string) (*Command, error) {
	rest := strings.TrimLeft(line, separators)
	rest = strings.TrimRight(rest, separators+"\r")
	if rest == "" || rest[0] == '#' {
		return nil, nil
	}

	trimmed := rest
	first, rest := field(rest)
	if len(first) > 1 && first[0] == '!' {
		return &Command{Kind: Shell, Shell: trimmed[1:], Raw: line}, nil
	}

	if p.Mode == Direct {
		return &Command{Kind: Call, Verb: first, Payload: rest, Raw: line}, nil
	}

	verb, rest := field(rest)
	if verb == "" {
		return nil, fmt.Errorf("%w, bad line: %s", ErrVerbMissing, line)
	}
	if first == EventAPI {
		return &Command{Kind: Event, Verb: verb, Payload: rest, Raw: line}, nil
	}
	return &Command{Kind: Call, API: first, Verb: verb, Payload: rest, Raw: line}, nil
}

// field splits off the first separator-delimited field of s and returns it
// with the remainder, leading separators removed.
func field(s string) (string, string) {
	i := strings.IndexAny(s, separators)
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimLeft(s[i:], separators)
}
