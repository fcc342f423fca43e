// Copyright © by Jeff Foley 2023-2024. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"io"
	"log/slog"
	"net"
	"time"

	multierror "github.com/hashicorp/go-multierror"
	"github.com/relaysocks/engine/api"
	"github.com/relaysocks/engine/feed"
	"github.com/relaysocks/engine/keepalive"
	"github.com/relaysocks/engine/plugins"
	"github.com/relaysocks/engine/pubsub"
	"github.com/relaysocks/engine/registry"
	"github.com/relaysocks/engine/socks"
	"github.com/relaysocks/engine/store"
	"github.com/relaysocks/engine/types"
)

// Config carries the engine knobs. NewConfig returns the defaults. An
// empty ListenAddr or a zero KeepAliveInterval falls back to its default;
// an empty StatusAddr disables the status endpoint, an empty HistoryPath
// disables the history database and a false DNSPassthrough disables the
// port 53 passthrough.
type Config struct {
	// ListenAddr is the SOCKS bind address.
	ListenAddr string

	// StatusAddr is the bind address of the read-only status endpoint.
	// Empty disables the endpoint.
	StatusAddr string

	// HistoryPath enables the relay history database when non-empty.
	HistoryPath string

	// DNSPassthrough dials port 53 targets directly instead of looking
	// for a relayed session.
	DNSPassthrough bool

	// KeepAliveInterval overrides the keepalive sweep interval.
	KeepAliveInterval time.Duration

	// LogStream receives engine log lines for the status endpoint's
	// /logs route. Optional.
	LogStream *pubsub.Logger
}

// NewConfig returns the default configuration.
func NewConfig() *Config {
	return &Config{
		ListenAddr:        socks.DefaultAddr,
		StatusAddr:        api.DefaultAddr,
		DNSPassthrough:    true,
		KeepAliveInterval: keepalive.DefaultInterval,
	}
}

// Engine owns the relay registry and every worker around it: the
// admission feed, the keepalive timer, the status endpoint and the SOCKS
// front-end.
type Engine struct {
	Log     *slog.Logger
	Relays  *registry.Registry
	Plugins *plugins.Registry
	Feed    *feed.Feed

	keepalive *keepalive.Engine
	socks     *socks.Server
	api       *api.Server
	store     *store.Store
}

// NewEngine wires the engine together and starts its background workers.
// The plugin set passed here determines which schemes the proxy serves.
// The SOCKS accept loop itself runs in Start.
func NewEngine(l *slog.Logger, cfg *Config, plugs ...*types.Plugin) (*Engine, error) {
	if l == nil {
		l = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg == nil {
		cfg = NewConfig()
	}

	e := &Engine{
		Log:     l,
		Relays:  registry.NewRegistry(l),
		Plugins: plugins.NewRegistry(l),
	}
	for _, p := range plugs {
		if err := e.Plugins.Register(p); err != nil {
			return nil, err
		}
	}

	if cfg.HistoryPath != "" {
		s, err := store.Open(cfg.HistoryPath)
		if err != nil {
			return nil, err
		}
		e.store = s
		e.Relays.SetRecorder(s)
	}

	e.Feed = feed.NewFeed(l, e.Relays)

	e.keepalive = keepalive.NewEngine(l, e.Relays)
	if cfg.KeepAliveInterval > 0 {
		e.keepalive.Interval = cfg.KeepAliveInterval
	}
	e.keepalive.Start()

	if cfg.StatusAddr != "" {
		e.api = api.NewServer(l, e.Relays, cfg.LogStream, cfg.StatusAddr)
		go func() {
			if err := e.api.Start(); err != nil {
				l.Error("Status endpoint terminated", "err", err)
			}
		}()
	}

	e.socks = socks.NewServer(l, e.Relays, e.Plugins, cfg.ListenAddr, cfg.DNSPassthrough)
	return e, nil
}

// Start runs the SOCKS accept loop until Shutdown.
func (e *Engine) Start() error {
	return e.socks.Start()
}

// SocksAddr returns the bound SOCKS listener address once Start has
// bound it.
func (e *Engine) SocksAddr() net.Addr {
	return e.socks.Addr()
}

// Shutdown stops the timers and listeners. In-flight SOCKS handlers are
// not force-closed; they drain as their peers disconnect.
func (e *Engine) Shutdown() error {
	var err error

	e.keepalive.Stop()
	if serr := e.socks.Shutdown(); serr != nil {
		err = multierror.Append(err, serr)
	}
	if e.api != nil {
		if aerr := e.api.Shutdown(); aerr != nil {
			err = multierror.Append(err, aerr)
		}
	}
	e.Feed.Shutdown()
	if e.store != nil {
		if cerr := e.store.Close(); cerr != nil {
			err = multierror.Append(err, cerr)
		}
	}
	return err
}
