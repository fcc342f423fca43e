// Copyright © by Jeff Foley 2023-2024. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/caffix/stringset"
	"github.com/relaysocks/engine/types"
)

// NewRegistry creates an empty relay registry.
func NewRegistry(l *slog.Logger) *Registry {
	return &Registry{
		log:    l,
		relays: make(map[string]map[uint16]*portRelays),
	}
}

// SetRecorder attaches an optional persistence sink for announce and
// eviction events. Must be called before the registry is shared.
func (r *Registry) SetRecorder(rec types.Recorder) {
	r.recorder = rec
}

// Announce inserts a newly relayed session. A second announcement for the
// same (host, port, principal) triple returns ErrDuplicateRelay and the
// caller must kill the supplied protocol client. The admin probe runs
// exactly once per accepted entry; probe failures leave the status unknown.
func (r *Registry) Announce(a *types.Announcement) error {
	r.Lock()
	defer r.Unlock()

	ports, found := r.relays[a.TargetHost]
	if !found {
		ports = make(map[uint16]*portRelays)
		r.relays[a.TargetHost] = ports
	}
	pr, found := ports[a.TargetPort]
	if !found {
		pr = &portRelays{
			scheme:     a.Scheme,
			data:       a.SessionData,
			principals: make(map[string]*relayEntry),
		}
		ports[a.TargetPort] = pr
	}

	if _, found := pr.principals[a.Principal]; found {
		r.log.Info("Relay connection already exists. Discarding",
			"principal", a.Principal, "host", a.TargetHost, "port", a.TargetPort)
		return types.ErrDuplicateRelay
	}

	entry := &relayEntry{
		principal: a.Principal,
		client:    a.Client,
		isAdmin:   types.AdminUnknown,
	}
	if admin, err := a.Client.IsAdmin(); err == nil {
		if admin {
			entry.isAdmin = types.AdminYes
		} else {
			entry.isAdmin = types.AdminNo
		}
	}

	pr.principals[a.Principal] = entry
	pr.order = append(pr.order, a.Principal)
	r.log.Info("Adding relay to the active SOCKS connections",
		"principal", a.Principal, "host", a.TargetHost, "port", a.TargetPort,
		"scheme", a.Scheme, "admin", entry.isAdmin)

	if r.recorder != nil {
		_ = r.recorder.RecordAnnounce(&types.RelayInfo{
			Scheme:    a.Scheme,
			Host:      a.TargetHost,
			Principal: a.Principal,
			IsAdmin:   entry.isAdmin,
			Port:      a.TargetPort,
		})
	}
	return nil
}

// Lookup returns a consistent view of the relayed sessions at host:port
// for the SOCKS dispatch path, or false when none exist.
func (r *Registry) Lookup(host string, port uint16) (*types.RelayView, bool) {
	r.RLock()
	defer r.RUnlock()

	pr, found := r.port(host, port)
	if !found {
		return nil, false
	}

	view := &types.RelayView{
		Host:        host,
		Port:        port,
		Scheme:      pr.scheme,
		SessionData: pr.data,
		Clients:     make(map[string]types.ProtocolClient, len(pr.principals)),
	}
	view.Principals = append(view.Principals, pr.order...)
	for name, entry := range pr.principals {
		view.Clients[name] = entry.client
	}
	return view, true
}

// Checkout acquires exclusive use of any idle relayed session at
// host:port. The scan starts past the previously chosen principal so no
// idle principal is starved by repeated checkouts.
func (r *Registry) Checkout(host string, port uint16) (string, string, types.ProtocolClient, error) {
	r.Lock()
	defer r.Unlock()

	pr, found := r.port(host, port)
	if !found {
		return "", "", nil, types.ErrNoRelay
	}

	n := len(pr.order)
	for i := 0; i < n; i++ {
		name := pr.order[(pr.next+i)%n]
		entry := pr.principals[name]
		if entry == nil || entry.inUse {
			continue
		}
		entry.inUse = true
		pr.next = (pr.next + i + 1) % n
		return pr.scheme, name, entry.client, nil
	}
	return "", "", nil, types.ErrNoRelay
}

// CheckoutPrincipal acquires exclusive use of the specific principal a
// plugin bound during its authentication bypass.
func (r *Registry) CheckoutPrincipal(host string, port uint16, principal string) error {
	r.Lock()
	defer r.Unlock()

	pr, found := r.port(host, port)
	if !found {
		return types.ErrNoRelay
	}
	entry, found := pr.principals[principal]
	if !found {
		return types.ErrNoRelay
	}
	if entry.inUse {
		return types.ErrRelayInUse
	}
	entry.inUse = true
	return nil
}

// Release returns a checked-out session to the idle pool. Releasing an
// entry that is absent or already idle is a no-op.
func (r *Registry) Release(host string, port uint16, principal string) {
	r.Lock()
	defer r.Unlock()

	if pr, found := r.port(host, port); found {
		if entry, found := pr.principals[principal]; found {
			entry.inUse = false
		}
	}
}

// Evict removes one relayed session. Removing the last principal at a
// host:port removes the whole port bucket, scheme and session data
// included.
func (r *Registry) Evict(host string, port uint16, principal string) {
	r.Lock()
	defer r.Unlock()

	pr, found := r.port(host, port)
	if !found {
		return
	}
	entry, found := pr.principals[principal]
	if !found {
		return
	}

	delete(pr.principals, principal)
	for i, name := range pr.order {
		if name == principal {
			pr.order = append(pr.order[:i], pr.order[i+1:]...)
			break
		}
	}
	if pr.next >= len(pr.order) {
		pr.next = 0
	}
	if len(pr.principals) == 0 {
		delete(r.relays[host], port)
		if len(r.relays[host]) == 0 {
			delete(r.relays, host)
		}
	}
	r.log.Debug("Removing active relay",
		"principal", principal, "host", host, "port", port)

	if r.recorder != nil {
		_ = r.recorder.RecordEviction(&types.RelayInfo{
			Scheme:    pr.scheme,
			Host:      host,
			Principal: principal,
			IsAdmin:   entry.isAdmin,
			Port:      port,
		})
	}
}

// Snapshot returns one row per relayed session for the status API. Rows
// are sorted so consumers see a stable listing.
func (r *Registry) Snapshot() []*types.RelayInfo {
	r.RLock()
	defer r.RUnlock()

	var rows []*types.RelayInfo
	for host, ports := range r.relays {
		for port, pr := range ports {
			for name, entry := range pr.principals {
				rows = append(rows, &types.RelayInfo{
					Scheme:    pr.scheme,
					Host:      host,
					Principal: name,
					IsAdmin:   entry.isAdmin,
					Port:      port,
				})
			}
		}
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Host != rows[j].Host {
			return rows[i].Host < rows[j].Host
		}
		if rows[i].Port != rows[j].Port {
			return rows[i].Port < rows[j].Port
		}
		return rows[i].Principal < rows[j].Principal
	})
	return rows
}

// Entries returns the keepalive engine's working set: every registry
// entry with its in-use state at snapshot time.
func (r *Registry) Entries() []*Entry {
	r.RLock()
	defer r.RUnlock()

	var entries []*Entry
	for host, ports := range r.relays {
		for port, pr := range ports {
			for name, entry := range pr.principals {
				entries = append(entries, &Entry{
					Host:      host,
					Port:      port,
					Principal: name,
					Client:    entry.client,
					InUse:     entry.inUse,
				})
			}
		}
	}
	return entries
}

// Schemes returns the deduplicated protocol schemes currently relayed.
func (r *Registry) Schemes() []string {
	r.RLock()
	defer r.RUnlock()

	set := stringset.New()
	defer set.Close()

	// The set folds its members to lower case; keep each tag as announced.
	tags := make(map[string]string)
	for _, ports := range r.relays {
		for _, pr := range ports {
			set.Insert(pr.scheme)
			tags[strings.ToLower(pr.scheme)] = pr.scheme
		}
	}

	schemes := set.Slice()
	for i, scheme := range schemes {
		schemes[i] = tags[strings.ToLower(scheme)]
	}
	return schemes
}

// TargetCount returns the number of distinct target hosts with at least
// one active relay, which is what the status endpoint reports.
func (r *Registry) TargetCount() int {
	r.RLock()
	defer r.RUnlock()

	return len(r.relays)
}

func (r *Registry) port(host string, port uint16) (*portRelays, bool) {
	ports, found := r.relays[host]
	if !found {
		return nil, false
	}
	pr, found := ports[port]
	return pr, found
}
