// Copyright © by Jeff Foley 2023. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package pubsub

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishAndSubscribe(t *testing.T) {
	l := NewLogger()
	sub := l.Subscribe()

	l.Publish("relay added")

	select {
	case msg := <-sub:
		assert.Equal(t, "relay added", msg)
	case <-time.After(time.Second):
		t.Fatal("no message received")
	}
}

func TestMultipleSubscribers(t *testing.T) {
	l := NewLogger()
	first := l.Subscribe()
	second := l.Subscribe()

	l.Publish("hello")

	for _, sub := range []<-chan string{first, second} {
		select {
		case msg := <-sub:
			assert.Equal(t, "hello", msg)
		case <-time.After(time.Second):
			t.Fatal("subscriber missed the message")
		}
	}
}

// A stalled subscriber drops lines instead of blocking the logging path.
func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	l := NewLogger()
	_ = l.Subscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			l.Publish("line")
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestUnsubscribe(t *testing.T) {
	l := NewLogger()
	sub := l.Subscribe()
	l.Unsubscribe(sub)

	_, open := <-sub
	assert.False(t, open)

	// Unsubscribing twice is harmless.
	l.Unsubscribe(sub)
}

// The logger works as the writer behind a structured logging handler.
func TestWriteBehindSlog(t *testing.T) {
	l := NewLogger()
	sub := l.Subscribe()

	logger := slog.New(slog.NewTextHandler(l, nil))
	logger.Info("SOCKS proxy started", "addr", "0.0.0.0:1080")

	select {
	case msg := <-sub:
		require.Contains(t, msg, "SOCKS proxy started")
	case <-time.After(time.Second):
		t.Fatal("no log line received")
	}
}
