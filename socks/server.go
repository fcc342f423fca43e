// Copyright © by Jeff Foley 2023. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package socks

import (
	"context"
	"log/slog"
	"net"
	"sync"

	"github.com/relaysocks/engine/plugins"
	"github.com/relaysocks/engine/registry"
)

// DefaultAddr is the listen address the proxy binds when none is
// configured.
const DefaultAddr = "0.0.0.0:1080"

// Server accepts SOCKS clients and runs one handler per connection.
type Server struct {
	ctx     context.Context
	cancel  context.CancelFunc
	log     *slog.Logger
	relays  *registry.Registry
	plugins *plugins.Registry
	addr    string
	dnsPass bool
	dialer  Dialer

	mu sync.Mutex
	ln net.Listener
}

// NewServer creates a SOCKS server front-ending the given registries.
func NewServer(l *slog.Logger, relays *registry.Registry, plugs *plugins.Registry, addr string, dnsPass bool) *Server {
	if addr == "" {
		addr = DefaultAddr
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		ctx:     ctx,
		cancel:  cancel,
		log:     l,
		relays:  relays,
		plugins: plugs,
		addr:    addr,
		dnsPass: dnsPass,
	}
}

// Start binds the listen address and accepts until Shutdown. In-flight
// handlers are not force-closed; they drain as their peers close.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.log.Info("SOCKS proxy started", "addr", ln.Addr().String(),
		"schemes", s.plugins.Schemes())

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return nil
			default:
				return err
			}
		}

		go func(c net.Conn) {
			defer c.Close()
			NewHandler(c, s.log, s.relays, s.plugins, s.dialer, s.dnsPass).Handle()
		}(conn)
	}
}

// Shutdown stops accepting new clients.
func (s *Server) Shutdown() error {
	s.cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

// Addr returns the bound listener address, or nil before Start has bound
// it. Useful when the configured port is zero.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}
