// Copyright © by Jeff Foley 2023-2024. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package socks

import (
	"io"
	"log/slog"
	"net"
	"strconv"

	"github.com/google/uuid"
	"github.com/miekg/dns"
	"github.com/relaysocks/engine/plugins"
	"github.com/relaysocks/engine/registry"
	"github.com/relaysocks/engine/types"
)

// readUnit is the read buffer size for request frames and passthrough
// shuttling.
const readUnit = 8192

// dnsPort is special-cased for direct dialing so clients can resolve
// names inside the target network without a relayed session.
const dnsPort = 53

// Dialer makes the outbound connections of the DNS passthrough path.
type Dialer interface {
	Dial(network, address string) (net.Conn, error)
}

// Handler drives one accepted SOCKS client through greeting, request,
// dispatch and tunneling.
type Handler struct {
	conn    net.Conn
	log     *slog.Logger
	relays  *registry.Registry
	plugins *plugins.Registry
	dialer  Dialer
	dnsPass bool

	version    byte
	targetHost string
	targetPort uint16
}

// NewHandler wraps one accepted client connection.
func NewHandler(conn net.Conn, l *slog.Logger, relays *registry.Registry, plugs *plugins.Registry, dialer Dialer, dnsPass bool) *Handler {
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	return &Handler{
		conn:    conn,
		log:     l.With("conn", uuid.New()),
		relays:  relays,
		plugins: plugs,
		dialer:  dialer,
		dnsPass: dnsPass,
		version: Version5,
	}
}

// Handle runs the request state machine to completion. The caller owns
// the client socket and closes it after Handle returns.
func (h *Handler) Handle() {
	h.log.Debug("New SOCKS connection", "remote", h.conn.RemoteAddr())

	buf := make([]byte, readUnit)
	n, err := h.conn.Read(buf)
	if err != nil || n == 0 {
		return
	}
	data := buf[:n]
	h.version = data[0]

	switch h.version {
	case Version5:
		if _, err := ParseSocks5Greeting(data); err != nil {
			h.log.Debug("Malformed SOCKS5 greeting", "err", err)
			return
		}
		// Answer with the no-authentication method and read the request.
		if _, err := h.conn.Write(socks5ServerHello); err != nil {
			return
		}
		n, err = h.conn.Read(buf)
		if err != nil || n == 0 {
			return
		}
		if !h.parseSocks5(buf[:n]) {
			return
		}
	case Version4:
		// Version 4 has no greeting; the bytes just read are the request.
		if !h.parseSocks4(data) {
			return
		}
	default:
		h.log.Debug("Unknown SOCKS version", "version", h.version)
		return
	}

	h.log.Debug("SOCKS target", "host", h.targetHost, "port", h.targetPort)

	if h.targetPort == dnsPort && h.dnsPass {
		h.dnsPassthrough()
		return
	}
	h.dispatch()
}

func (h *Handler) parseSocks5(data []byte) bool {
	req, err := ParseSocks5Request(data)
	if err != nil {
		if err == ErrUnsupportedAddressType {
			h.log.Error("No support for this SOCKS5 address type")
			h.sendReply(ReplyAddrNotSupported)
		} else {
			h.log.Debug("Malformed SOCKS5 request", "err", err)
			h.sendReply(ReplySocksFailure)
		}
		return false
	}
	if req.Command != CmdConnect {
		h.log.Debug("SOCKS5 command not supported", "cmd", req.Command)
		h.sendReply(ReplyCmdNotSupported)
		return false
	}

	h.targetHost = req.DestHost
	h.targetPort = req.DestPort
	return true
}

func (h *Handler) parseSocks4(data []byte) bool {
	req, err := ParseSocks4Request(data)
	if err != nil {
		h.log.Debug("Malformed SOCKS4 request", "err", err)
		h.sendReply(Socks4Rejected)
		return false
	}
	if req.Command != CmdConnect {
		h.log.Debug("SOCKS4 command not supported", "cmd", req.Command)
		h.sendReply(Socks4Rejected)
		return false
	}

	h.targetHost = req.DestHost()
	h.targetPort = req.DestPort
	return true
}

// dispatch finds a relayed session for the target and splices the client
// onto it through the protocol plugin.
func (h *Handler) dispatch() {
	view, found := h.relays.Lookup(h.targetHost, h.targetPort)
	if !found {
		h.log.Error("Don't have a relay for the target",
			"host", h.targetHost, "port", h.targetPort)
		h.sendReply(ReplyConnectionRefused)
		return
	}

	factory, found := h.plugins.Factory(view.Scheme)
	if !found {
		h.log.Error("Don't have a plugin for the scheme", "scheme", view.Scheme)
		h.sendReply(ReplyConnectionRefused)
		return
	}
	h.log.Debug("Plugin found for the target",
		"scheme", view.Scheme, "host", h.targetHost, "port", h.targetPort)

	relay := factory(h.targetHost, h.targetPort, h.conn, view)
	if err := relay.InitConnection(); err != nil {
		h.log.Debug("Plugin failed to initialize the relayed session", "err", err)
		h.sendReply(ReplyConnectionRefused)
		return
	}

	// The client believes a fresh connection was just established.
	h.sendSuccess()

	if ok, err := relay.SkipAuthentication(); err != nil || !ok {
		// The plugin already spoke for itself on the client socket.
		h.log.Debug("Failed to bypass the client authentication", "err", err)
		return
	}

	// Lock the relayed session while the tunnel uses it, so the
	// keepalive timer leaves it alone.
	principal := relay.GetUsername()
	if err := h.relays.CheckoutPrincipal(h.targetHost, h.targetPort, principal); err != nil {
		h.log.Debug("Relayed session disappeared before the tunnel started",
			"principal", principal, "err", err)
		h.sendReply(ReplyConnectionRefused)
		return
	}

	err := relay.TunnelConnection()
	h.relays.Release(h.targetHost, h.targetPort, principal)

	if err != nil {
		h.log.Debug("Tunnel terminated", "principal", principal, "err", err)
		if types.IsDeadPeer(err) {
			h.relays.Evict(h.targetHost, h.targetPort, principal)
			h.sendReply(ReplyConnectionRefused)
			return
		}
	}

	h.log.Debug("Shutting down SOCKS connection")
	h.sendReply(ReplyConnectionRefused)
}

// dnsPassthrough dials the target directly and shuttles bytes, bypassing
// the relay registry entirely.
func (h *Handler) dnsPassthrough() {
	addr := net.JoinHostPort(h.targetHost, strconv.Itoa(int(h.targetPort)))
	h.log.Debug("Connecting for DNS passthrough", "addr", addr)

	upstream, err := h.dialer.Dial("tcp", addr)
	if err != nil {
		h.log.Error("DNS passthrough connection failed", "addr", addr, "err", err)
		h.sendReply(ReplyConnectionRefused)
		return
	}
	defer upstream.Close()

	local, _ := upstream.LocalAddr().(*net.TCPAddr)
	if h.version == Version5 {
		var ip net.IP
		var port uint16
		if local != nil {
			ip = local.IP
			port = uint16(local.Port)
		}
		if _, err := h.conn.Write(NewSocks5Reply(ReplySucceeded, ip, port)); err != nil {
			return
		}
	} else {
		if _, err := h.conn.Write(NewSocks4Reply(Socks4Granted)); err != nil {
			return
		}
	}

	// The client speaks first; peek its opening message so the query
	// name makes it into the log.
	buf := make([]byte, readUnit)
	n, err := h.conn.Read(buf)
	if err != nil || n == 0 {
		return
	}
	h.logDNSQuery(buf[:n])
	if _, err := upstream.Write(buf[:n]); err != nil {
		return
	}

	done := make(chan struct{}, 2)
	go func() {
		b := make([]byte, readUnit)
		_, _ = io.CopyBuffer(upstream, h.conn, b)
		done <- struct{}{}
	}()
	go func() {
		b := make([]byte, readUnit)
		_, _ = io.CopyBuffer(h.conn, upstream, b)
		done <- struct{}{}
	}()
	<-done
}

// logDNSQuery best-effort decodes a TCP DNS message so the passthrough
// leaves a trace of what was resolved. Parse failures are ignored.
func (h *Handler) logDNSQuery(data []byte) {
	if len(data) <= 2 {
		return
	}

	msg := new(dns.Msg)
	if err := msg.Unpack(data[2:]); err != nil || len(msg.Question) == 0 {
		return
	}
	q := msg.Question[0]
	h.log.Debug("DNS passthrough query",
		"name", q.Name, "type", dns.TypeToString[q.Qtype])
}

// sendSuccess tells the client the connection was established, quoting
// the local socket address the way a real CONNECT would.
func (h *Handler) sendSuccess() {
	if h.version == Version5 {
		var ip net.IP
		var port uint16
		if local, ok := h.conn.LocalAddr().(*net.TCPAddr); ok {
			ip = local.IP
			port = uint16(local.Port)
		}
		_, _ = h.conn.Write(NewSocks5Reply(ReplySucceeded, ip, port))
		return
	}
	_, _ = h.conn.Write(NewSocks4Reply(Socks4Granted))
}

// sendReply writes one refusal frame matching the negotiated version. For
// version 4 any rep other than granted collapses to the rejection code.
func (h *Handler) sendReply(rep byte) {
	if h.version == Version5 {
		_, _ = h.conn.Write(NewSocks5Reply(rep, nil, 0))
		return
	}
	if rep != Socks4Granted {
		rep = Socks4Rejected
	}
	_, _ = h.conn.Write(NewSocks4Reply(rep))
}
