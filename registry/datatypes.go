// Copyright © by Jeff Foley 2023. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"log/slog"
	"sync"

	"github.com/relaysocks/engine/types"
)

// Registry is the store of active relayed sessions, keyed by target host,
// target port and principal. It is mutated concurrently by the admission
// feed, the SOCKS handlers and the keepalive engine.
type Registry struct {
	sync.RWMutex
	log      *slog.Logger
	relays   map[string]map[uint16]*portRelays
	recorder types.Recorder
}

// portRelays groups every relayed session established against one
// host:port. All of them share the protocol scheme and the session data
// captured during relaying.
type portRelays struct {
	scheme string
	data   []byte

	// principals in announcement order; checkout scans from next so
	// repeated checkouts rotate over idle principals instead of always
	// picking the first one.
	order      []string
	next       int
	principals map[string]*relayEntry
}

// relayEntry is one pre-authenticated upstream session.
type relayEntry struct {
	principal string
	client    types.ProtocolClient
	inUse     bool
	isAdmin   types.AdminStatus
}

// Entry is the keepalive engine's read-only view of one registry entry.
type Entry struct {
	Host      string
	Port      uint16
	Principal string
	Client    types.ProtocolClient
	InUse     bool
}
