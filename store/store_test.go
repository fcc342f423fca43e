// Copyright © by Jeff Foley 2023. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"path/filepath"
	"testing"

	"github.com/relaysocks/engine/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "relays.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordAndList(t *testing.T) {
	s := openTestStore(t)

	info := &types.RelayInfo{
		Scheme:    "SMB",
		Host:      "10.0.0.1",
		Principal: "corp\\alice",
		IsAdmin:   types.AdminYes,
		Port:      445,
	}
	require.NoError(t, s.RecordAnnounce(info))
	require.NoError(t, s.RecordEviction(info))

	events, err := s.Events()
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, EventAnnounce, events[0].Event)
	assert.Equal(t, "SMB", events[0].Scheme)
	assert.Equal(t, "10.0.0.1", events[0].Host)
	assert.Equal(t, uint16(445), events[0].Port)
	assert.Equal(t, "corp\\alice", events[0].Principal)
	assert.Equal(t, "TRUE", events[0].IsAdmin)
	assert.False(t, events[0].CreatedAt.IsZero())

	assert.Equal(t, EventEviction, events[1].Event)
}

func TestOpenExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relays.sqlite")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.RecordAnnounce(&types.RelayInfo{
		Scheme: "HTTP", Host: "10.0.0.2", Principal: "corp\\bob", IsAdmin: types.AdminNo, Port: 80,
	}))
	require.NoError(t, s.Close())

	// History survives a reopen.
	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	events, err := s.Events()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "HTTP", events[0].Scheme)
}
