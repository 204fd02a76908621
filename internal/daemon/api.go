// Copyright 2026 Marcelo Cantos
// SPDX-License-Identifier: Apache-2.0

package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

const (
	// maxSleep bounds hello/sleep.
	maxSleep = time.Minute
	// invokeTimeout bounds how long hello/invoke waits for the client.
	invokeTimeout = 10 * time.Second
)

// RegisterHello installs the built-in test api under DefaultAPI.
func RegisterHello(reg *Registry) {
	reg.Handle(DefaultAPI, "ping", helloPing)
	reg.Handle(DefaultAPI, "echo", helloEcho)
	reg.Handle(DefaultAPI, "fail", helloFail)
	reg.Handle(DefaultAPI, "sleep", helloSleep)
	reg.Handle(DefaultAPI, "broadcast", helloBroadcast)
	reg.Handle(DefaultAPI, "hangup", helloHangup)
	reg.Handle(DefaultAPI, "invoke", helloInvoke)
	reg.Handle(DefaultAPI, "verbs", func(_ context.Context, req *Request) Result {
		return jsonResult("", listing(req.srv))
	})
}

func jsonResult(info string, v any) Result {
	data, err := json.Marshal(v)
	if err != nil {
		return Failf(StatusFailed, "encode reply: %v", err)
	}
	return Result{Info: info, Data: data}
}

// helloPing counts pings per session and returns the arguments it got.
func helloPing(_ context.Context, req *Request) Result {
	n := req.Session.Ping()
	args := req.Args
	if args == nil {
		args = json.RawMessage("null")
	}
	return jsonResult(fmt.Sprintf("Ping count = %d", n), struct {
		Count int             `json:"count"`
		Args  json.RawMessage `json:"args"`
	}{n, args})
}

func helloEcho(_ context.Context, req *Request) Result {
	return Result{Data: req.Args}
}

func helloFail(_ context.Context, req *Request) Result {
	return Result{Status: StatusFailed, Info: "failure requested", Data: req.Args}
}

// helloSleep waits {"ms":N} before replying, so replies can overtake it.
func helloSleep(ctx context.Context, req *Request) Result {
	var args struct {
		MS int64 `json:"ms"`
	}
	if err := req.DecodeArgs(&args); err != nil {
		return Failf(StatusInvalidRequest, "%v", err)
	}
	d := time.Duration(args.MS) * time.Millisecond
	if d < 0 || d > maxSleep {
		return Failf(StatusInvalidRequest, "sleep of %dms out of range", args.MS)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return Failf(StatusAborted, "%v", ctx.Err())
	case <-t.C:
	}
	return jsonResult("", map[string]int64{"slept": args.MS})
}

// helloBroadcast pushes the call's arguments as event hello/broadcast.
func helloBroadcast(_ context.Context, req *Request) Result {
	n := req.Broadcast(req.API+"/broadcast", req.Args)
	return Result{Info: fmt.Sprintf("broadcast to %d", n)}
}

// helloInvoke calls {"api","verb","args"} back on the caller's client and
// reports its answer.
func helloInvoke(ctx context.Context, req *Request) Result {
	var args struct {
		API  string          `json:"api"`
		Verb string          `json:"verb"`
		Args json.RawMessage `json:"args"`
	}
	if err := req.DecodeArgs(&args); err != nil {
		return Failf(StatusInvalidRequest, "%v", err)
	}
	if args.Verb == "" {
		return Failf(StatusInvalidRequest, "invoke needs a verb")
	}
	ctx, cancel := context.WithTimeout(ctx, invokeTimeout)
	defer cancel()
	r, err := req.Invoke(ctx, args.API, args.Verb, args.Args)
	if err != nil {
		return Failf(StatusAborted, "invoke %s/%s: %v", args.API, args.Verb, err)
	}
	return jsonResult("client answered "+r.Status, map[string]string{"status": r.Status, "info": r.Info})
}

func helloHangup(_ context.Context, req *Request) Result {
	req.Hangup()
	return Result{}
}

func listing(s *Server) map[string][]string {
	out := make(map[string][]string)
	if s == nil {
		return out
	}
	for _, api := range s.reg.APIs() {
		out[api] = s.reg.Verbs(api)
	}
	return out
}
