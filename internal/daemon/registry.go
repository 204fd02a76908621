// Copyright 2026 Marcelo Cantos
// SPDX-License-Identifier: Apache-2.0

package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/marcelocantos/callpipe/internal/ipc"
)

// Reply statuses besides success.
const (
	StatusSuccess        = "success"
	StatusFailed         = "failed"
	StatusUnknownAPI     = "unknown-api"
	StatusUnknownVerb    = "unknown-verb"
	StatusInvalidRequest = "invalid-request"
	StatusAborted        = "aborted"
)

// Result is what a verb answers.
type Result struct {
	Status string // empty means success
	Info   string
	Data   json.RawMessage
}

// Failf builds a failed Result.
func Failf(status, format string, args ...any) Result {
	return Result{Status: status, Info: fmt.Sprintf(format, args...)}
}

// Handler serves one verb. It runs on its own goroutine; ctx is cancelled
// when the caller's connection goes away.
type Handler func(ctx context.Context, req *Request) Result

// Request is one call being served.
type Request struct {
	API     string
	Verb    string
	Args    json.RawMessage // nil when the call carried no payload
	Session *Session

	srv    *Server
	peer   *peer
	hungUp atomic.Bool
}

// DecodeArgs unmarshals the JSON arguments into v.
func (r *Request) DecodeArgs(v any) error {
	if len(r.Args) == 0 {
		return fmt.Errorf("%s/%s: missing arguments", r.API, r.Verb)
	}
	if err := json.Unmarshal(r.Args, v); err != nil {
		return fmt.Errorf("%s/%s: bad arguments: %w", r.API, r.Verb, err)
	}
	return nil
}

// Broadcast pushes an event to every connection, the caller's included,
// and returns how many received it.
func (r *Request) Broadcast(name string, data json.RawMessage) int {
	if r.srv == nil {
		return 0
	}
	return r.srv.broadcast(ipc.Event{Name: name, Data: data})
}

// Invoke calls api/verb on the caller's own client and returns its answer.
func (r *Request) Invoke(ctx context.Context, api, verb string, args json.RawMessage) (ipc.Reply, error) {
	if r.peer == nil {
		return ipc.Reply{}, fmt.Errorf("%s/%s: no client connection", api, verb)
	}
	return r.peer.invoke(ctx, ipc.Call{API: api, Verb: verb, Args: args})
}

// Hangup closes the caller's connection. No reply is sent.
func (r *Request) Hangup() {
	r.hungUp.Store(true)
	if r.peer != nil {
		r.peer.close()
	}
}

// Registry maps api and verb names to handlers. It is safe for concurrent
// use.
type Registry struct {
	mu   sync.RWMutex
	apis map[string]map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{apis: make(map[string]map[string]Handler)}
}

// Handle registers h as api/verb, replacing any earlier handler.
func (r *Registry) Handle(api, verb string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	verbs := r.apis[api]
	if verbs == nil {
		verbs = make(map[string]Handler)
		r.apis[api] = verbs
	}
	verbs[verb] = h
}

// APIs returns the registered api names, sorted.
func (r *Registry) APIs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.apis))
	for name := range r.apis {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Verbs returns the verbs of api, sorted.
func (r *Registry) Verbs(api string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.apis[api]))
	for name := range r.apis[api] {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Dispatch runs the handler for req, or reports why there is none.
func (r *Registry) Dispatch(ctx context.Context, req *Request) Result {
	r.mu.RLock()
	verbs, ok := r.apis[req.API]
	var h Handler
	if ok {
		h = verbs[req.Verb]
	}
	r.mu.RUnlock()

	switch {
	case !ok:
		return Failf(StatusUnknownAPI, "unknown api %s", req.API)
	case h == nil:
		return Failf(StatusUnknownVerb, "unknown verb %s/%s", req.API, req.Verb)
	}
	res := h(ctx, req)
	if res.Status == "" {
		res.Status = StatusSuccess
	}
	return res
}

// Session is state shared by every connection that presents the same
// session id.
type Session struct {
	ID string

	refs int // connections presenting ID; guarded by Server.mu

	mu    sync.Mutex
	pings int
}

// Ping increments and returns the session's ping counter.
func (s *Session) Ping() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pings++
	return s.pings
}
