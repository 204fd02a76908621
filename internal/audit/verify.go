// Copyright 2026 Marcelo Cantos
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"encoding/json"
	"fmt"
	"os"
)

// Verify reads the journal and checks the hash chain integrity.
// Returns nil if the chain is valid, or an error describing the first violation.
func Verify(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read journal: %w", err)
	}

	lines := splitLines(data)
	if len(lines) == 0 {
		return nil // empty log is valid
	}

	expectedPrev := genesisHash()
	var prevSeq uint64

	for i, line := range lines {
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			return fmt.Errorf("line %d: invalid JSON: %w", i+1, err)
		}

		// Check sequence.
		if entry.Seq != prevSeq+1 {
			return fmt.Errorf("line %d: sequence gap: expected %d, got %d", i+1, prevSeq+1, entry.Seq)
		}

		// Check prev_hash chain.
		if entry.PrevHash != expectedPrev {
			return fmt.Errorf("line %d: prev_hash mismatch: expected %s, got %s", i+1, expectedPrev[:16]+"...", entry.PrevHash[:16]+"...")
		}

		// Recompute and check hash.
		computed := computeHash(entry)
		if entry.Hash != computed {
			return fmt.Errorf("line %d: hash mismatch: expected %s, got %s", i+1, computed[:16]+"...", entry.Hash[:16]+"...")
		}

		expectedPrev = entry.Hash
		prevSeq = entry.Seq
	}

	return nil
}

// Tail returns the last n entries from the journal. Unparseable lines
// are skipped.
func Tail(path string, n int) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}

	lines := splitLines(data)
	if n <= 0 || n > len(lines) {
		n = len(lines)
	}

	entries := make([]Entry, 0, n)
	for _, line := range lines[len(lines)-n:] {
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Summary counts entries and failures in the journal.
type Summary struct {
	Entries  int
	Failures int
	ByTarget map[string]int
}

// Summarize reads the whole journal.
func Summarize(path string) (Summary, error) {
	entries, err := Tail(path, 0)
	if err != nil {
		return Summary{}, err
	}
	s := Summary{ByTarget: make(map[string]int)}
	for _, e := range entries {
		s.Entries++
		if !e.OK() {
			s.Failures++
		}
		s.ByTarget[e.Target]++
	}
	return s, nil
}
