// Copyright 2026 Marcelo Cantos
// SPDX-License-Identifier: Apache-2.0

// Package rules decides which calls the loopback server will serve.
package rules

import (
	"errors"
	"fmt"
)

// Statuses a rejected call is answered with.
const (
	StatusInvalidRequest    = "invalid-request"
	StatusInvalidToken      = "invalid-token"
	StatusInsufficientScope = "insufficient-scope"
)

// Call is what a rule sees of an incoming call.
type Call struct {
	API     string
	Verb    string
	Token   string // from the connection's hello
	Session string
}

// Target returns "api/verb".
func (c Call) Target() string { return c.API + "/" + c.Verb }

// Denied rejects a call with a reply status.
type Denied struct {
	Status string
	Reason string
}

func (d *Denied) Error() string { return d.Status + ": " + d.Reason }

func deny(status, format string, args ...any) error {
	return &Denied{Status: status, Reason: fmt.Sprintf(format, args...)}
}

// StatusOf returns the reply status for an error returned by Check.
func StatusOf(err error) string {
	var d *Denied
	if errors.As(err, &d) {
		return d.Status
	}
	return StatusInvalidRequest
}

// CheckFunc validates one call. Returns a non-nil error to reject it.
type CheckFunc func(c Call) error

// RuleSet holds an ordered list of validation rules. Hardcoded rules run first
// and cannot be removed. Config rules are appended after.
type RuleSet struct {
	hardcoded []CheckFunc
	config    []CheckFunc
}

// NewRuleSet creates a RuleSet with the given hardcoded rules.
func NewRuleSet(hardcoded ...CheckFunc) *RuleSet {
	return &RuleSet{hardcoded: hardcoded}
}

// AddConfig appends a config-driven rule.
func (rs *RuleSet) AddConfig(fn CheckFunc) {
	rs.config = append(rs.config, fn)
}

// Len returns the number of rules.
func (rs *RuleSet) Len() int { return len(rs.hardcoded) + len(rs.config) }

// Check runs all rules against c and returns the first rejection.
func (rs *RuleSet) Check(c Call) error {
	for _, fn := range rs.hardcoded {
		if err := fn(c); err != nil {
			return err
		}
	}
	for _, fn := range rs.config {
		if err := fn(c); err != nil {
			return err
		}
	}
	return nil
}
