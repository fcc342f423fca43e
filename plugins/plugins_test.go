// Copyright © by Jeff Foley 2023. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package plugins

import (
	"io"
	"log/slog"
	"net"
	"testing"

	"github.com/relaysocks/engine/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeFactory(host string, port uint16, conn net.Conn, relays *types.RelayView) types.RelayPlugin {
	return nil
}

func testRegistry() *Registry {
	return NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRegister(t *testing.T) {
	r := testRegistry()

	require.NoError(t, r.Register(&types.Plugin{
		Name:         "SMB Socks Plugin",
		Scheme:       "SMB",
		ProtocolPort: 445,
		Factory:      fakeFactory,
	}))
	assert.Equal(t, 1, r.Size())

	_, found := r.Factory("SMB")
	assert.True(t, found)
	_, found = r.Factory("HTTP")
	assert.False(t, found)
}

func TestRegisterValidation(t *testing.T) {
	r := testRegistry()

	tests := []struct {
		name   string
		plugin *types.Plugin
	}{
		{name: "nil plugin", plugin: nil},
		{name: "empty scheme", plugin: &types.Plugin{Name: "X", Factory: fakeFactory}},
		{name: "lowercase scheme", plugin: &types.Plugin{Name: "X", Scheme: "smb", Factory: fakeFactory}},
		{name: "missing factory", plugin: &types.Plugin{Name: "X", Scheme: "SMB"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, r.Register(tt.plugin))
		})
	}
	assert.Equal(t, 0, r.Size())
}

func TestRegisterDuplicateScheme(t *testing.T) {
	r := testRegistry()

	p := &types.Plugin{Name: "SMB Socks Plugin", Scheme: "SMB", Factory: fakeFactory}
	require.NoError(t, r.Register(p))
	assert.Error(t, r.Register(&types.Plugin{Name: "Another", Scheme: "SMB", Factory: fakeFactory}))
}

func TestSchemes(t *testing.T) {
	r := testRegistry()

	for _, scheme := range []string{"SMB", "HTTP", "MSSQL"} {
		require.NoError(t, r.Register(&types.Plugin{Name: scheme, Scheme: scheme, Factory: fakeFactory}))
	}

	schemes := r.Schemes()
	assert.Len(t, schemes, 3)
	assert.Contains(t, schemes, "SMB")
	assert.Contains(t, schemes, "HTTP")
	assert.Contains(t, schemes, "MSSQL")
}
