// Copyright 2026 Marcelo Cantos
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLogAndVerify(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.jsonl")

	logger, err := NewLogger(path)
	if err != nil {
		t.Fatal(err)
	}

	// Write several entries.
	for i := 0; i < 5; i++ {
		err := logger.Record(
			fmt.Sprintf("%d:hello/ping", i+1),
			"hello/ping",
			"success",
			"Ping count = 1",
			time.Duration(i)*time.Millisecond,
		)
		if err != nil {
			t.Fatalf("log entry %d: %v", i, err)
		}
	}

	// Verify the chain.
	if err := Verify(path); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.jsonl")

	logger, err := NewLogger(path)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		_ = logger.Record("1:hello/echo", "hello/echo", "success", "", time.Millisecond)
	}

	// Tamper with the file: modify a byte in the middle.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	// Find and modify a character in the middle of the file.
	mid := len(data) / 2
	if data[mid] == 'a' {
		data[mid] = 'b'
	} else {
		data[mid] = 'a'
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}

	if err := Verify(path); err == nil {
		t.Fatal("expected verify to detect tampering")
	}
}

func TestVerifyDetectsSequenceGap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.jsonl")

	logger, err := NewLogger(path)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		_ = logger.Record("1:hello/echo", "hello/echo", "success", "", time.Millisecond)
	}

	// Delete the middle line (line 3 of 5).
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := splitLines(data)
	// Remove line at index 2.
	remaining := append(lines[:2], lines[3:]...)
	var newData []byte
	for _, line := range remaining {
		newData = append(newData, line...)
		newData = append(newData, '\n')
	}
	if err := os.WriteFile(path, newData, 0600); err != nil {
		t.Fatal(err)
	}

	if err := Verify(path); err == nil {
		t.Fatal("expected verify to detect sequence gap")
	}
}

func TestVerifyEmptyLog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.jsonl")

	if err := os.WriteFile(path, []byte{}, 0600); err != nil {
		t.Fatal(err)
	}

	if err := Verify(path); err != nil {
		t.Fatalf("empty log should be valid: %v", err)
	}
}

func TestLoggerResumesChain(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.jsonl")

	// Write some entries.
	logger1, err := NewLogger(path)
	if err != nil {
		t.Fatal(err)
	}
	_ = logger1.Record("1:ping", "ping", "success", "", time.Millisecond)
	_ = logger1.Record("2:fail", "fail", "failed", "boom", time.Millisecond)

	// Create a new logger (simulating process restart).
	logger2, err := NewLogger(path)
	if err != nil {
		t.Fatal(err)
	}
	_ = logger2.Record("1:ping", "ping", "success", "", time.Millisecond)

	// The chain should still be valid.
	if err := Verify(path); err != nil {
		t.Fatalf("chain should be valid after restart: %v", err)
	}

	// Check sequence continuity.
	entries, err := Tail(path, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[2].Seq != 3 {
		t.Errorf("expected seq 3, got %d", entries[2].Seq)
	}
}

func TestOriginAndSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	logger, err := NewLogger(path)
	if err != nil {
		t.Fatal(err)
	}
	logger.SetOrigin("server")
	if err := logger.RecordSession("abc", "7:hello/sleep", "hello/sleep", "success", "", 1500*time.Microsecond); err != nil {
		t.Fatal(err)
	}

	entries, err := Tail(path, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Origin != "server" || e.Session != "abc" || e.Target != "hello/sleep" {
		t.Errorf("entry = %+v", e)
	}
	if e.Duration != 1.5 {
		t.Errorf("duration = %v, want 1.5", e.Duration)
	}
	if err := Verify(path); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestSummarize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	logger, err := NewLogger(path)
	if err != nil {
		t.Fatal(err)
	}
	_ = logger.Record("1:hello/ping", "hello/ping", "success", "", time.Millisecond)
	_ = logger.Record("2:hello/ping", "hello/ping", "success", "", time.Millisecond)
	_ = logger.Record("3:hello/fail", "hello/fail", "failed", "", time.Millisecond)

	s, err := Summarize(path)
	if err != nil {
		t.Fatal(err)
	}
	if s.Entries != 3 || s.Failures != 1 {
		t.Errorf("summary = %+v", s)
	}
	if s.ByTarget["hello/ping"] != 2 {
		t.Errorf("hello/ping count = %d, want 2", s.ByTarget["hello/ping"])
	}
}
