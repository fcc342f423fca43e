// Copyright © by Jeff Foley 2023-2024. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package keepalive

import (
	"log/slog"
	"sync"
	"time"

	"github.com/relaysocks/engine/registry"
	"github.com/relaysocks/engine/types"
	"go.uber.org/ratelimit"
)

// DefaultInterval is how often the keepalive function of each idle relay
// is invoked. It is up to each protocol client whether every invocation
// reaches the target.
const DefaultInterval = 30 * time.Second

// Engine walks the registry on a fixed interval, probes idle relays and
// evicts the ones whose upstream transport has died.
type Engine struct {
	// Interval between sweeps. Safe to modify after construction but
	// before Start.
	Interval time.Duration

	log    *slog.Logger
	reg    *registry.Registry
	rlimit ratelimit.Limiter
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewEngine creates a keepalive engine for the given registry.
func NewEngine(l *slog.Logger, reg *registry.Registry) *Engine {
	return &Engine{
		Interval: DefaultInterval,
		log:      l,
		reg:      reg,
		rlimit:   ratelimit.New(1, ratelimit.WithoutSlack),
		done:     make(chan struct{}),
	}
}

// Start launches the timer goroutine.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.run()
}

// Stop halts the timer and waits for an in-flight sweep to finish.
func (e *Engine) Stop() {
	close(e.done)
	e.wg.Wait()
}

// run re-arms the timer against the last scheduled target rather than the
// current time, so sweep latency does not drift the schedule. A target
// already in the past collapses into a single immediate sweep.
func (e *Engine) run() {
	defer e.wg.Done()

	target := time.Now()
	for {
		target = target.Add(e.Interval)
		delay := time.Until(target)
		if delay < 0 {
			target = time.Now()
			delay = 0
		}

		timer := time.NewTimer(delay)
		select {
		case <-e.done:
			timer.Stop()
			return
		case <-timer.C:
			e.sweep()
		}
	}
}

// sweep probes every idle registry entry once and evicts dead peers. In-use
// entries are skipped so a keepalive never races an active tunnel.
func (e *Engine) sweep() {
	e.log.Debug("KeepAlive timer reached. Updating connections")

	for _, entry := range e.reg.Entries() {
		select {
		case <-e.done:
			return
		default:
		}

		if entry.InUse {
			e.log.Debug("Skipping relay since it is being used at the moment",
				"principal", entry.Principal, "host", entry.Host, "port", entry.Port)
			continue
		}

		e.rlimit.Take()
		e.log.Debug("Calling keepAlive",
			"principal", entry.Principal, "host", entry.Host, "port", entry.Port)

		err := entry.Client.KeepAlive()
		if err == nil {
			continue
		}
		if types.IsDeadPeer(err) {
			e.reg.Evict(entry.Host, entry.Port, entry.Principal)
			e.log.Debug("Removed the active relay for a dead peer",
				"principal", entry.Principal, "host", entry.Host, "port", entry.Port, "err", err)
			continue
		}
		e.log.Debug("Relay keepAlive failed",
			"principal", entry.Principal, "host", entry.Host, "port", entry.Port, "err", err)
	}
}
