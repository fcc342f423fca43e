// Copyright © by Jeff Foley 2023-2024. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package pubsub

import (
	"sync"
)

// Logger fans log lines out to subscribers, so the status API can stream
// what the engine is doing. It doubles as an io.Writer, which lets it sit
// behind a structured logging handler.
type Logger struct {
	mu   sync.Mutex
	subs []chan string
}

// NewLogger initializes and returns a new instance of Logger.
func NewLogger() *Logger {
	return &Logger{}
}

// Publish sends a log line to every subscriber. A subscriber that cannot
// keep up has the line dropped rather than blocking the logging path.
func (l *Logger) Publish(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, ch := range l.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

// Write allows the Logger to be used as a Writer and in structured logging.
func (l *Logger) Write(p []byte) (n int, err error) {
	l.Publish(string(p))
	return len(p), nil
}

// Subscribe provides a read-only channel to receive log lines. This
// allows external components to "listen" for new logs.
func (l *Logger) Subscribe() <-chan string {
	ch := make(chan string, 100)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.subs = append(l.subs, ch)
	return ch
}

// Unsubscribe detaches a channel previously returned by Subscribe.
func (l *Logger) Unsubscribe(sub <-chan string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, ch := range l.subs {
		if ch == sub {
			l.subs = append(l.subs[:i], l.subs[i+1:]...)
			close(ch)
			return
		}
	}
}
