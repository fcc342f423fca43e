// Copyright © by Jeff Foley 2023-2024. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"net"
)

// AdminStatus reports whether a relayed session holds administrative
// privileges on the target. The probe is best effort, so unknown is a
// first-class value.
type AdminStatus string

const (
	AdminYes     AdminStatus = "TRUE"
	AdminNo      AdminStatus = "FALSE"
	AdminUnknown AdminStatus = "N/A"
)

// ProtocolClient is the handle to one pre-authenticated upstream session,
// produced by the relay subsystem and stored in the registry.
type ProtocolClient interface {
	// KeepAlive sends whatever the protocol needs to keep the upstream
	// session from timing out. It is up to each protocol whether every
	// invocation reaches the wire.
	KeepAlive() error

	// KillConnection tears the upstream session down.
	KillConnection() error

	// IsAdmin reports whether the session authenticated with
	// administrative privileges.
	IsAdmin() (bool, error)
}

// RelayPlugin wraps one (client socket, relayed session) pair for the
// duration of a single SOCKS session.
type RelayPlugin interface {
	// InitConnection prepares the upstream session for the handoff.
	InitConnection() error

	// SkipAuthentication performs the protocol-specific trick that
	// splices the SOCKS client, which expects to authenticate fresh,
	// onto the already-authenticated upstream. A false return means the
	// client socket must be closed without tunneling.
	SkipAuthentication() (bool, error)

	// TunnelConnection copies bytes in both directions until either
	// side closes or errors.
	TunnelConnection() error

	// GetUsername returns the principal bound during SkipAuthentication,
	// which may differ from the one the client asked for.
	GetUsername() string
}

// PluginFactory builds a RelayPlugin for one accepted SOCKS client. The
// relays argument is the plugin's window onto every relayed session
// sharing the requested host:port.
type PluginFactory func(targetHost string, targetPort uint16, clientConn net.Conn, relays *RelayView) RelayPlugin

// Plugin describes one protocol adapter registered with the engine.
type Plugin struct {
	// Name is the human-readable plugin name used in log messages.
	Name string

	// Scheme is the registry key, specified in full caps, e.g. SMB, LDAP.
	Scheme string

	// ProtocolPort is the default upstream port for this protocol.
	ProtocolPort uint16

	// Factory builds the per-session plugin instance.
	Factory PluginFactory
}

// RelayView is a consistent snapshot of the relayed sessions available at
// one host:port, handed to plugin factories at dispatch time.
type RelayView struct {
	Host        string
	Port        uint16
	Scheme      string
	SessionData []byte
	Principals  []string
	Clients     map[string]ProtocolClient
}

// Client returns the protocol client for the named principal, or nil.
func (v *RelayView) Client(principal string) ProtocolClient {
	return v.Clients[principal]
}

// Announcement carries one completed relay from the relay subsystem into
// the registry through the admission feed.
type Announcement struct {
	TargetHost  string
	TargetPort  uint16
	Scheme      string
	Principal   string
	Client      ProtocolClient
	SessionData []byte
}

// RelayInfo is one row of the registry snapshot consumed by the status API.
type RelayInfo struct {
	Scheme    string
	Host      string
	Principal string
	IsAdmin   AdminStatus
	Port      uint16
}

// Recorder receives registry lifecycle events for persistence.
type Recorder interface {
	RecordAnnounce(info *RelayInfo) error
	RecordEviction(info *RelayInfo) error
}
