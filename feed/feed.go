// Copyright © by Jeff Foley 2023. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package feed

import (
	"context"
	"errors"
	"log/slog"

	"github.com/caffix/pipeline"
	"github.com/caffix/queue"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/relaysocks/engine/registry"
	"github.com/relaysocks/engine/types"
)

// Feed is the admission path for completed relays. The relay subsystem
// appends announcements from any goroutine; a single pipeline stage drains
// them in order into the registry, so the registry sees one admission
// producer.
type Feed struct {
	log    *slog.Logger
	reg    *registry.Registry
	queue  *announceQueue
	cancel context.CancelFunc
	done   chan struct{}
}

// announceQueue adapts the queue to the pipeline input source contract.
type announceQueue struct {
	queue.Queue
}

// Next implements the pipeline InputSource interface.
func (aq *announceQueue) Next(ctx context.Context) bool {
	if aq.Queue.Len() > 0 {
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return false
		case <-aq.Queue.Signal():
			if aq.Queue.Len() > 0 {
				return true
			}
		}
	}
}

// Data implements the pipeline InputSource interface.
func (aq *announceQueue) Data() pipeline.Data {
	if element, ok := aq.Queue.Next(); ok {
		return element.(*announceElement)
	}
	return nil
}

// Error implements the pipeline InputSource interface.
func (aq *announceQueue) Error() error {
	return nil
}

// announceElement carries one announcement through the pipeline.
type announceElement struct {
	Ann   *types.Announcement
	Error error
}

// Clone implements the pipeline Data interface.
func (ae *announceElement) Clone() pipeline.Data {
	return ae
}

// NewFeed starts the admission consumer for the given registry.
func NewFeed(l *slog.Logger, reg *registry.Registry) *Feed {
	ctx, cancel := context.WithCancel(context.Background())
	f := &Feed{
		log:    l,
		reg:    reg,
		queue:  &announceQueue{queue.NewQueue()},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	p := pipeline.NewPipeline(pipeline.FIFO("announce", f.announceTask()))
	go func() {
		defer close(f.done)

		if err := p.ExecuteBuffered(ctx, f.queue, f.makeSink(), 50); err != nil {
			l.Error("Admission pipeline terminated", "err", err)
		}
	}()
	return f
}

// Announce enqueues one completed relay for admission. Safe to call from
// any goroutine; blocking-dequeue semantics are provided by the consumer.
func (f *Feed) Announce(a *types.Announcement) error {
	if a == nil {
		return errors.New("the announcement is nil")
	}
	if a.Client == nil {
		return errors.New("the announcement carries no protocol client")
	}

	f.queue.Append(&announceElement{Ann: a})
	return nil
}

// Shutdown cancels the consumer and waits for it to drain.
func (f *Feed) Shutdown() {
	f.cancel()
	<-f.done
}

func (f *Feed) announceTask() pipeline.TaskFunc {
	return pipeline.TaskFunc(func(ctx context.Context, data pipeline.Data, tp pipeline.TaskParams) (pipeline.Data, error) {
		ae, ok := data.(*announceElement)
		if !ok || ae == nil {
			return nil, errors.New("announce task failed to extract the announcement element")
		}

		select {
		case <-ctx.Done():
			return nil, nil
		default:
		}

		if err := f.reg.Announce(ae.Ann); err != nil {
			ae.Error = multierror.Append(ae.Error, err)
		}
		return data, nil
	})
}

// makeSink returns the pipeline sink that finishes each admission: a
// refused duplicate has its protocol client killed so the upstream session
// is not leaked.
func (f *Feed) makeSink() pipeline.SinkFunc {
	return pipeline.SinkFunc(func(ctx context.Context, data pipeline.Data) error {
		ae, ok := data.(*announceElement)
		if !ok {
			return errors.New("admission sink failed to extract the announcement element")
		}

		if err := ae.Error; err != nil {
			if errors.Is(err, types.ErrDuplicateRelay) {
				if kerr := ae.Ann.Client.KillConnection(); kerr != nil {
					f.log.Debug("Failed to kill the duplicate relay connection",
						"principal", ae.Ann.Principal, "err", kerr)
				}
				return nil
			}
			f.log.Error("Failed to admit the relay",
				"principal", ae.Ann.Principal, "host", ae.Ann.TargetHost, "err", err)
		}
		return nil
	})
}
