// Copyright 2026 Marcelo Cantos
// SPDX-License-Identifier: Apache-2.0

// Package audit keeps an append-only, hash-chained journal of completed
// calls.
package audit

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const genesisInput = "callpipe-genesis"

// Logger is an append-only, hash-chained journal writer. It is safe for
// concurrent use.
type Logger struct {
	mu       sync.Mutex
	path     string
	origin   string
	seq      uint64
	prevHash string
}

// NewLogger opens or creates a journal at the given path.
// It reads the last entry to resume the hash chain.
func NewLogger(path string) (*Logger, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	l := &Logger{
		path:     path,
		prevHash: genesisHash(),
	}

	// Read existing log to find last entry.
	if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
		lines := splitLines(data)
		if len(lines) > 0 {
			var last Entry
			if err := json.Unmarshal(lines[len(lines)-1], &last); err == nil {
				l.seq = last.Seq
				l.prevHash = last.Hash
			}
		}
	}

	return l, nil
}

// SetOrigin tags every later entry with origin.
func (l *Logger) SetOrigin(origin string) {
	l.mu.Lock()
	l.origin = origin
	l.mu.Unlock()
}

// Record appends one completed call.
func (l *Logger) Record(token, target, status, info string, elapsed time.Duration) error {
	return l.append(Entry{Token: token, Target: target, Status: status, Info: info,
		Duration: float64(elapsed.Microseconds()) / 1000.0})
}

// RecordSession is Record for calls served on behalf of a session.
func (l *Logger) RecordSession(session, token, target, status, info string, elapsed time.Duration) error {
	return l.append(Entry{Session: session, Token: token, Target: target, Status: status, Info: info,
		Duration: float64(elapsed.Microseconds()) / 1000.0})
}

func (l *Logger) append(entry Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	entry.Seq = l.seq
	entry.Time = time.Now().UTC()
	entry.PrevHash = l.prevHash
	entry.Origin = l.origin

	// Compute hash with Hash field empty.
	entry.Hash = computeHash(entry)

	data, err := json.Marshal(entry)
	if err != nil {
		l.seq--
		return fmt.Errorf("marshal journal entry: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		l.seq--
		return fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		l.seq--
		return fmt.Errorf("write journal entry: %w", err)
	}
	l.prevHash = entry.Hash
	return nil
}

// Path returns the journal file path.
func (l *Logger) Path() string {
	return l.path
}

func genesisHash() string {
	h := sha256.Sum256([]byte(genesisInput))
	return fmt.Sprintf("%x", h)
}

func computeHash(e Entry) string {
	e.Hash = "" // hash is computed with this field empty
	data, _ := json.Marshal(e)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h)
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				lines = append(lines, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}
