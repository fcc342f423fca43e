// Copyright © by Jeff Foley 2023-2024. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	engine "github.com/relaysocks/engine"
	"github.com/relaysocks/engine/pubsub"
	slogsyslog "github.com/samber/slog-syslog/v2"
)

func main() {
	var listen, status, history, logdir, syslogAddr string
	var noDNSPassthrough bool
	flag.StringVar(&listen, "listen", "", "SOCKS listen address (default 0.0.0.0:1080)")
	flag.StringVar(&status, "status", "", "status endpoint address, 'off' to disable (default 0.0.0.0:9090)")
	flag.StringVar(&history, "history", "", "path to the relay history database")
	flag.StringVar(&logdir, "log-dir", "", "path to the log directory")
	flag.StringVar(&syslogAddr, "syslog", "", "forward logs to this syslog address instead of a file")
	flag.BoolVar(&noDNSPassthrough, "no-dns-passthrough", false, "do not dial port 53 targets directly")
	flag.Parse()

	if logdir != "" {
		if err := os.MkdirAll(logdir, 0750); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create the log directory: %v", err)
		}
	}

	ps := pubsub.NewLogger()
	var handler slog.Handler
	if syslogAddr != "" {
		conn, err := net.Dial("udp", syslogAddr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to reach the syslog server: %v", err)
			os.Exit(1)
		}
		handler = slogsyslog.Option{
			Level:  slog.LevelDebug,
			Writer: io.MultiWriter(conn, ps),
		}.NewSyslogHandler()
	} else {
		filename := fmt.Sprintf("relay_engine_%s.log", time.Now().Format("2006-01-02T15:04:05"))
		f, err := os.OpenFile(filepath.Join(logdir, filename), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file: %v", err)
			os.Exit(1)
		}
		defer f.Close()
		handler = slog.NewJSONHandler(io.MultiWriter(f, ps), nil)
	}
	l := slog.New(handler)

	cfg := engine.NewConfig()
	cfg.LogStream = ps
	cfg.DNSPassthrough = !noDNSPassthrough
	if listen != "" {
		cfg.ListenAddr = listen
	}
	if status == "off" {
		cfg.StatusAddr = ""
	} else if status != "" {
		cfg.StatusAddr = status
	}
	if history != "" {
		cfg.HistoryPath = history
	}

	// Protocol plugins are linked in by the relay tooling embedding this
	// engine; the standalone binary serves DNS passthrough and the
	// status endpoint.
	e, err := engine.NewEngine(l, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start the engine: %v", err)
		os.Exit(1)
	}
	defer e.Shutdown()

	go func() {
		if err := e.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "The SOCKS listener failed: %v", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)
	<-quit
	l.Info("Terminating the relay proxy engine")
}
