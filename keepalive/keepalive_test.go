// Copyright © by Jeff Foley 2023. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package keepalive

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/relaysocks/engine/registry"
	"github.com/relaysocks/engine/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	mu        sync.Mutex
	probes    int
	keepalive error
}

func (c *fakeClient) KeepAlive() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes++
	return c.keepalive
}

func (c *fakeClient) KillConnection() error { return nil }

func (c *fakeClient) IsAdmin() (bool, error) { return false, nil }

func (c *fakeClient) probeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.probes
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func announce(t *testing.T, reg *registry.Registry, principal string, client types.ProtocolClient) {
	t.Helper()

	require.NoError(t, reg.Announce(&types.Announcement{
		TargetHost: "10.0.0.1",
		TargetPort: 445,
		Scheme:     "SMB",
		Principal:  principal,
		Client:     client,
	}))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached before the deadline")
}

func TestKeepaliveProbesIdleEntries(t *testing.T) {
	reg := registry.NewRegistry(testLogger())
	client := &fakeClient{}
	announce(t, reg, "corp\\alice", client)

	e := NewEngine(testLogger(), reg)
	e.Interval = 50 * time.Millisecond
	e.Start()
	defer e.Stop()

	waitFor(t, func() bool { return client.probeCount() >= 2 })

	// The entry is healthy and must still be present.
	_, found := reg.Lookup("10.0.0.1", 445)
	assert.True(t, found)
}

// An entry whose keepalive reports a broken transport is evicted, and the
// port bucket cascades away with its last principal.
func TestKeepaliveEvictsDeadPeers(t *testing.T) {
	reg := registry.NewRegistry(testLogger())
	client := &fakeClient{keepalive: errors.New("write: Broken pipe")}
	announce(t, reg, "corp\\alice", client)

	e := NewEngine(testLogger(), reg)
	e.Interval = 50 * time.Millisecond
	e.Start()
	defer e.Stop()

	waitFor(t, func() bool {
		_, found := reg.Lookup("10.0.0.1", 445)
		return !found
	})
	assert.Equal(t, 0, reg.TargetCount())
}

func TestKeepaliveEvictsTypedDeadPeer(t *testing.T) {
	reg := registry.NewRegistry(testLogger())
	client := &fakeClient{keepalive: types.ErrDeadPeer}
	announce(t, reg, "corp\\alice", client)

	e := NewEngine(testLogger(), reg)
	e.Interval = 50 * time.Millisecond
	e.Start()
	defer e.Stop()

	waitFor(t, func() bool {
		_, found := reg.Lookup("10.0.0.1", 445)
		return !found
	})
}

// Other keepalive failures are logged and the entry stays in place.
func TestKeepaliveToleratesTransientErrors(t *testing.T) {
	reg := registry.NewRegistry(testLogger())
	client := &fakeClient{keepalive: errors.New("request timed out")}
	announce(t, reg, "corp\\alice", client)

	e := NewEngine(testLogger(), reg)
	e.Interval = 50 * time.Millisecond
	e.Start()
	defer e.Stop()

	waitFor(t, func() bool { return client.probeCount() >= 2 })

	_, found := reg.Lookup("10.0.0.1", 445)
	assert.True(t, found)
}

// A checked-out entry must never be probed while a tunnel is using it.
func TestKeepaliveSkipsInUse(t *testing.T) {
	reg := registry.NewRegistry(testLogger())
	client := &fakeClient{keepalive: types.ErrDeadPeer}
	announce(t, reg, "corp\\alice", client)
	require.NoError(t, reg.CheckoutPrincipal("10.0.0.1", 445, "corp\\alice"))

	e := NewEngine(testLogger(), reg)
	e.Interval = 50 * time.Millisecond
	e.Start()

	time.Sleep(300 * time.Millisecond)
	e.Stop()

	assert.Equal(t, 0, client.probeCount())
	_, found := reg.Lookup("10.0.0.1", 445)
	assert.True(t, found)
}
