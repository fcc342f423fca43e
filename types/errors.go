// Copyright © by Jeff Foley 2023-2024. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"errors"
	"strings"
)

var (
	// ErrDeadPeer indicates an upstream session whose transport has been
	// observed to be broken. Plugins and protocol clients should return
	// it directly instead of relying on message matching.
	ErrDeadPeer = errors.New("relay peer is dead")

	// ErrDuplicateRelay is returned when an announcement names a
	// (host, port, principal) triple already present in the registry.
	ErrDuplicateRelay = errors.New("relay connection already exists")

	// ErrNoRelay is returned when no relayed session exists for the
	// requested host:port, or every session there is in use.
	ErrNoRelay = errors.New("no relay available")

	// ErrRelayInUse is returned when the requested principal is already
	// checked out by another SOCKS session.
	ErrRelayInUse = errors.New("relay is in use")
)

// deadPeerNeedles are the transport failure fragments common protocol
// stacks put in their error messages; a fallback for clients that do not
// return ErrDeadPeer themselves.
var deadPeerNeedles = []string{
	"Broken pipe",
	"reset by peer",
	"Invalid argument",
	"Server not connected",
}

// IsDeadPeer classifies an error as a dead upstream session. The typed
// sentinel wins; otherwise the message is matched against the known
// transport failure fragments.
func IsDeadPeer(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDeadPeer) {
		return true
	}

	msg := err.Error()
	for _, needle := range deadPeerNeedles {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
