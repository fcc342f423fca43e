// Copyright © by Jeff Foley 2023. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package plugins

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/caffix/stringset"
	"github.com/relaysocks/engine/types"
)

// Registry maps protocol scheme tags to the plugin that can splice a SOCKS
// client onto a relayed session of that protocol. It is populated once at
// startup and read-only afterwards.
type Registry struct {
	sync.RWMutex
	log     *slog.Logger
	plugins map[string]*types.Plugin
}

// NewRegistry creates an empty plugin registry.
func NewRegistry(l *slog.Logger) *Registry {
	return &Registry{
		log:     l,
		plugins: make(map[string]*types.Plugin),
	}
}

// Register adds one plugin to the registry.
func (r *Registry) Register(p *types.Plugin) error {
	if p == nil {
		return fmt.Errorf("the plugin is nil")
	}
	if p.Scheme == "" || p.Scheme != strings.ToUpper(p.Scheme) {
		return fmt.Errorf("plugin %s has an invalid scheme tag: %q", p.Name, p.Scheme)
	}
	if p.Factory == nil {
		return fmt.Errorf("plugin %s has no factory", p.Name)
	}

	r.Lock()
	defer r.Unlock()

	// has this registration been made already?
	if _, found := r.plugins[p.Scheme]; found {
		return fmt.Errorf("a plugin is already registered for scheme %s", p.Scheme)
	}

	r.plugins[p.Scheme] = p
	r.log.Info("Plugin loaded", "name", p.Name, "scheme", p.Scheme, "port", p.ProtocolPort)
	return nil
}

// Factory returns the plugin factory registered for the scheme tag.
func (r *Registry) Factory(scheme string) (types.PluginFactory, bool) {
	r.RLock()
	defer r.RUnlock()

	if p, found := r.plugins[scheme]; found {
		return p.Factory, true
	}
	return nil, false
}

// Schemes returns the supported scheme tags.
func (r *Registry) Schemes() []string {
	r.RLock()
	defer r.RUnlock()

	set := stringset.New()
	defer set.Close()

	for scheme := range r.plugins {
		set.Insert(scheme)
	}

	// The set folds its members to lower case; registered tags are all
	// upper case, so restore them.
	schemes := set.Slice()
	for i, scheme := range schemes {
		schemes[i] = strings.ToUpper(scheme)
	}
	return schemes
}

// Size returns the number of registered plugins.
func (r *Registry) Size() int {
	r.RLock()
	defer r.RUnlock()

	return len(r.plugins)
}
