// Copyright © by Jeff Foley 2023-2024. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/relaysocks/engine/pubsub"
	"github.com/relaysocks/engine/registry"
)

// DefaultAddr is where the status endpoint binds when none is configured.
const DefaultAddr = "0.0.0.0:9090"

// relaysRoute matches the path that existing relay tooling scrapes.
const relaysRoute = "/ntlmrelayx/api/v1.0/relays"

// Server is the read-only HTTP status endpoint.
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc
	ch     chan struct{}
	log    *slog.Logger
	relays *registry.Registry
	logs   *pubsub.Logger
	srv    *http.Server
}

// NewServer builds the status endpoint over the relay registry. The logs
// argument may be nil, which disables the log stream route.
func NewServer(l *slog.Logger, relays *registry.Registry, logs *pubsub.Logger, addr string) *Server {
	if addr == "" {
		addr = DefaultAddr
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		ctx:    ctx,
		cancel: cancel,
		ch:     make(chan struct{}),
		log:    l,
		relays: relays,
		logs:   logs,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.index)
	mux.HandleFunc(relaysRoute, s.getRelays)
	if logs != nil {
		mux.HandleFunc("/logs", s.streamLogs)
	}

	s.srv = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return s
}

// Start serves until Shutdown and reports any listener failure.
func (s *Server) Start() error {
	err := s.srv.ListenAndServe()

	s.cancel()
	close(s.ch)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the HTTP server and waits for Start to return.
func (s *Server) Shutdown() error {
	err := s.srv.Shutdown(context.Background())

	<-s.ch
	return err
}

func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	fmt.Fprintf(w, "Relays available: %d!", s.relays.TargetCount())
}

// getRelays renders one JSON row per relayed session:
// [protocol, target, principal, isAdmin, port].
func (s *Server) getRelays(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rows := make([][]string, 0)
	for _, info := range s.relays.Snapshot() {
		rows = append(rows, []string{
			info.Scheme,
			info.Host,
			info.Principal,
			string(info.IsAdmin),
			strconv.Itoa(int(info.Port)),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(rows); err != nil {
		s.log.Debug("Failed to encode the relay listing", "err", err)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// streamLogs upgrades to a websocket and forwards engine log lines until
// the peer goes away.
func (s *Server) streamLogs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("Failed to upgrade the log stream", "err", err)
		return
	}
	defer conn.Close()

	sub := s.logs.Subscribe()
	defer s.logs.Unsubscribe(sub)

	// Drain control frames so peer close is noticed.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-closed:
			return
		case msg, open := <-sub:
			if !open {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
	}
}

// Addr returns the configured bind address.
func (s *Server) Addr() string {
	return s.srv.Addr
}
