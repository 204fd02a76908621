// Copyright 2026 Marcelo Cantos
// SPDX-License-Identifier: Apache-2.0

// Package daemon implements the loopback server behind `callpipe serve`.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marcelocantos/callpipe/internal/audit"
	"github.com/marcelocantos/callpipe/internal/ipc"
	"github.com/marcelocantos/callpipe/internal/rules"
)

// DefaultAPI serves verb-only calls from clients whose hello names no api.
const DefaultAPI = "hello"

// Server accepts framed connections and serves calls against a Registry.
type Server struct {
	reg         *Registry
	rules       *rules.RuleSet
	journal     *audit.Logger
	log         *slog.Logger
	idleTimeout time.Duration

	mu        sync.Mutex
	idleTimer *time.Timer
	active    sync.WaitGroup
	conns     int
	peers     map[*peer]struct{}
	sessions  map[string]*Session
}

// New creates a server. journal may be nil.
func New(reg *Registry, journal *audit.Logger, logger *slog.Logger, idleTimeout time.Duration) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		reg:         reg,
		journal:     journal,
		log:         logger,
		idleTimeout: idleTimeout,
		peers:       make(map[*peer]struct{}),
		sessions:    make(map[string]*Session),
	}
}

// SetRules makes the server check every call against rs before
// dispatching it. It must be called before Serve.
func (s *Server) SetRules(rs *rules.RuleSet) { s.rules = rs }

// Run creates a listener at sockPath (the standard socket path when empty)
// and calls Serve.
func (s *Server) Run(ctx context.Context, sockPath string) error {
	if sockPath == "" {
		var err error
		if sockPath, err = ipc.SocketPath(); err != nil {
			return err
		}
	}

	dir := filepath.Dir(sockPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}

	if err := cleanStaleSocket(sockPath); err != nil {
		return err
	}

	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	if err := os.Chmod(sockPath, 0600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	if err := writePidFile(sockPath); err != nil {
		ln.Close()
		return fmt.Errorf("write pid: %w", err)
	}

	defer func() {
		os.Remove(sockPath)
		os.Remove(pidPath(sockPath))
	}()

	s.log.Info("serving", "socket", sockPath, "apis", s.reg.APIs())
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled or the server
// has had no connections for the idle timeout. The listener is closed on
// return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()

	idleCtx, idleCancel := context.WithCancel(ctx)
	defer idleCancel()

	s.mu.Lock()
	s.idleTimer = time.AfterFunc(s.idleTimeout, func() {
		s.mu.Lock()
		busy := s.conns > 0
		s.mu.Unlock()
		if busy {
			s.resetIdle()
			return
		}
		s.log.Info("idle timeout")
		idleCancel()
	})
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.idleTimer.Stop()
		s.idleTimer = nil
		s.mu.Unlock()
	}()

	// Close the listener when the context is done (idle or parent cancel).
	go func() {
		<-idleCtx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			// Check if this is a clean shutdown.
			select {
			case <-idleCtx.Done():
				s.active.Wait()
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}
		s.mu.Lock()
		s.conns++
		s.mu.Unlock()
		s.resetIdle()

		s.active.Add(1)
		go func() {
			defer s.active.Done()
			defer conn.Close()
			defer func() {
				s.mu.Lock()
				s.conns--
				s.mu.Unlock()
				s.resetIdle()
			}()
			s.handleConnection(idleCtx, conn)
		}()
	}
}

func (s *Server) resetIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idleTimer != nil {
		s.idleTimer.Reset(s.idleTimeout)
	}
}

// session returns the session for id, creating it on first use, and
// takes a reference on it. An empty id gets a fresh random one.
func (s *Server) session(id string) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		sess = &Session{ID: id}
		s.sessions[id] = sess
	}
	sess.refs++
	return sess
}

// release drops a reference taken by session. A session is forgotten once
// no connection presents it.
func (s *Server) release(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess.refs--
	if sess.refs == 0 && s.sessions[sess.ID] == sess {
		delete(s.sessions, sess.ID)
	}
}

// Sessions returns the number of live sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	tag, payload, err := ipc.ReadFrame(conn)
	if err != nil {
		s.log.Debug("read hello", "err", err)
		return
	}
	if tag != ipc.TagHello {
		s.log.Warn("expected hello frame", "want", fmt.Sprintf("0x%02x", ipc.TagHello), "got", fmt.Sprintf("0x%02x", tag))
		return
	}
	var hello ipc.Hello
	if err := ipc.Decode(payload, &hello); err != nil {
		s.log.Warn("bad hello", "err", err)
		return
	}

	p := newPeer(conn, hello, s.session(hello.Session))
	s.mu.Lock()
	s.peers[p] = struct{}{}
	s.mu.Unlock()
	log := s.log.With("session", p.session.ID)
	log.Debug("connected", "api", hello.API)

	var calls sync.WaitGroup
	connCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(connCtx, p.close)
	defer func() {
		s.mu.Lock()
		delete(s.peers, p)
		s.mu.Unlock()
		cancel()
		stop()
		calls.Wait()
		p.close()
		s.release(p.session)
		log.Debug("disconnected")
	}()

	for {
		tag, payload, err := ipc.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !p.closed.Load() {
				log.Debug("read frame", "err", err)
			}
			return
		}
		switch tag {
		case ipc.TagCall:
			var call ipc.Call
			if err := ipc.Decode(payload, &call); err != nil {
				log.Warn("bad call", "err", err)
				return
			}
			calls.Add(1)
			go func() {
				defer calls.Done()
				s.serve(connCtx, p, call)
			}()
		case ipc.TagEvent:
			var ev ipc.Event
			if err := ipc.Decode(payload, &ev); err != nil {
				log.Warn("bad event", "err", err)
				return
			}
			n := s.broadcast(ev)
			log.Debug("event relayed", "name", ev.Name, "peers", n)
		case ipc.TagAnswer:
			var r ipc.Reply
			if err := ipc.Decode(payload, &r); err != nil {
				log.Warn("bad answer", "err", err)
				return
			}
			if !p.answer(r) {
				log.Debug("answer for unknown invoke", "id", r.ID)
			}
		default:
			log.Warn("unexpected frame", "tag", fmt.Sprintf("0x%02x", tag))
			return
		}
	}
}

func (s *Server) serve(ctx context.Context, p *peer, call ipc.Call) {
	start := time.Now()
	api := call.API
	if api == "" {
		api = p.hello.API
	}
	if api == "" {
		api = DefaultAPI
	}
	req := &Request{
		API:     api,
		Verb:    call.Verb,
		Session: p.session,
		srv:     s,
		peer:    p,
	}
	if len(call.Args) > 0 {
		req.Args = json.RawMessage(call.Args)
	}

	res := s.admit(req, p)
	if res.Status == "" {
		res = s.reg.Dispatch(ctx, req)
	}
	elapsed := time.Since(start)
	if req.hungUp.Load() {
		return
	}

	reply := ipc.Reply{ID: call.ID, Status: res.Status, Info: res.Info, Data: res.Data}
	if err := p.send(ipc.TagReply, reply); err != nil {
		s.log.Debug("send reply", "id", call.ID, "err", err)
	}
	if s.journal != nil {
		if err := s.journal.RecordSession(p.session.ID, call.Key, api+"/"+call.Verb, res.Status, res.Info, elapsed); err != nil {
			s.log.Warn("journal write failed", "err", err)
		}
	}
}

// admit checks req against the server's rules. A zero Result lets the
// call through.
func (s *Server) admit(req *Request, p *peer) Result {
	if s.rules == nil {
		return Result{}
	}
	err := s.rules.Check(rules.Call{
		API:     req.API,
		Verb:    req.Verb,
		Token:   p.hello.Token,
		Session: req.Session.ID,
	})
	if err == nil {
		return Result{}
	}
	s.log.Info("call rejected", "target", req.API+"/"+req.Verb, "session", req.Session.ID, "err", err)
	info := err.Error()
	var d *rules.Denied
	if errors.As(err, &d) {
		info = d.Reason
	}
	return Result{Status: rules.StatusOf(err), Info: info}
}

// broadcast pushes ev to every connected peer and returns how many
// accepted it.
func (s *Server) broadcast(ev ipc.Event) int {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	n := 0
	for _, p := range peers {
		if err := p.send(ipc.TagPush, ev); err == nil {
			n++
		}
	}
	return n
}
