// Copyright 2026 Marcelo Cantos
// SPDX-License-Identifier: Apache-2.0

package audit

import "time"

// Entry represents a single journal record: one completed call.
type Entry struct {
	Seq      uint64    `json:"seq"`
	Time     time.Time `json:"ts"`
	PrevHash string    `json:"prev_hash"`
	Origin   string    `json:"origin,omitempty"`  // "client" or "server"
	Session  string    `json:"session,omitempty"` // server side only
	Token    string    `json:"token"`             // correlation token
	Target   string    `json:"target"`            // api/verb or verb
	Status   string    `json:"status"`            // "success" or an error name
	Info     string    `json:"info,omitempty"`
	Duration float64   `json:"duration_ms"` // call latency in milliseconds
	Hash     string    `json:"hash"`        // SHA-256 of this entry (with hash field empty)
}

// OK reports whether the recorded call succeeded.
func (e Entry) OK() bool { return e.Status == "success" }
