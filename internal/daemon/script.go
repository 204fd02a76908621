// Copyright 2026 Marcelo Cantos
// SPDX-License-Identifier: Apache-2.0

package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	starjson "go.starlark.net/lib/json"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// maxScriptSteps bounds one verb's execution.
const maxScriptSteps = 50_000_000

const requestKey = "callpipe.request"

var (
	jsonEncode = starjson.Module.Members["encode"]
	jsonDecode = starjson.Module.Members["decode"]
)

// Script exposes the top-level functions of a Starlark file as verbs of
// one api, named after the file. Names starting with _ stay private.
//
// A verb receives the decoded JSON arguments (None when absent) if it
// declares a parameter, and its return value is JSON-encoded as the reply
// data. Any Starlark error, fail() included, answers status failed.
type Script struct {
	API   string
	funcs map[string]*starlark.Function
	log   *slog.Logger
}

// LoadScript executes path once and collects its functions.
func LoadScript(path string, logger *slog.Logger) (*Script, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	s := &Script{
		API:   strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		funcs: make(map[string]*starlark.Function),
		log:   logger.With("script", path),
	}
	thread := &starlark.Thread{Name: "load " + path, Print: s.print}
	globals, err := starlark.ExecFileOptions(&syntax.FileOptions{}, thread, path, src, predeclared())
	if err != nil {
		return nil, fmt.Errorf("load script %s: %w", path, err)
	}
	globals.Freeze()

	for name, v := range globals {
		if fn, ok := v.(*starlark.Function); ok && !strings.HasPrefix(name, "_") {
			s.funcs[name] = fn
		}
	}
	if len(s.funcs) == 0 {
		return nil, fmt.Errorf("load script %s: no verbs defined", path)
	}
	return s, nil
}

// Verbs returns the script's verb names, sorted.
func (s *Script) Verbs() []string {
	names := make([]string, 0, len(s.funcs))
	for name := range s.funcs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Register installs every verb in reg.
func (s *Script) Register(reg *Registry) {
	for name, fn := range s.funcs {
		reg.Handle(s.API, name, func(ctx context.Context, req *Request) Result {
			return s.call(ctx, fn, req)
		})
	}
}

func (s *Script) call(ctx context.Context, fn *starlark.Function, req *Request) Result {
	thread := &starlark.Thread{Name: req.API + "/" + req.Verb, Print: s.print}
	thread.SetMaxExecutionSteps(maxScriptSteps)
	thread.SetLocal(requestKey, req)
	stop := context.AfterFunc(ctx, func() { thread.Cancel("caller went away") })
	defer stop()

	var args starlark.Tuple
	if fn.NumParams() > 0 {
		var v starlark.Value = starlark.None
		if len(req.Args) > 0 {
			var err error
			v, err = starlark.Call(thread, jsonDecode, starlark.Tuple{starlark.String(req.Args)}, nil)
			if err != nil {
				return Failf(StatusInvalidRequest, "%v", err)
			}
		}
		args = starlark.Tuple{v}
	}

	out, err := starlark.Call(thread, fn, args, nil)
	if err != nil {
		s.log.Debug("verb failed", "verb", req.Verb, "err", err)
		return Failf(StatusFailed, "%v", err)
	}
	data, err := encode(thread, out)
	if err != nil {
		return Failf(StatusFailed, "%v", err)
	}
	return Result{Data: data}
}

func (s *Script) print(thread *starlark.Thread, msg string) {
	s.log.Info(msg, "thread", thread.Name)
}

func predeclared() starlark.StringDict {
	return starlark.StringDict{
		"json":      starjson.Module,
		"broadcast": starlark.NewBuiltin("broadcast", starBroadcast),
	}
}

func encode(thread *starlark.Thread, v starlark.Value) (json.RawMessage, error) {
	enc, err := starlark.Call(thread, jsonEncode, starlark.Tuple{v}, nil)
	if err != nil {
		return nil, err
	}
	str, ok := enc.(starlark.String)
	if !ok {
		return nil, fmt.Errorf("json.encode returned %s", enc.Type())
	}
	return json.RawMessage(str.GoString()), nil
}

// starBroadcast implements broadcast(name, data=None), which pushes an
// event to every connection and returns how many received it.
func starBroadcast(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var data starlark.Value = starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "data?", &data); err != nil {
		return nil, err
	}
	req, _ := thread.Local(requestKey).(*Request)
	if req == nil {
		return nil, fmt.Errorf("%s: only available inside a verb", b.Name())
	}
	enc, err := encode(thread, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.MakeInt(req.Broadcast(name, enc)), nil
}
