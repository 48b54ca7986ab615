// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package watcher fans a reduced KernelStats struct out to registered
// subscribers on every KMEM-level sample. Subscribers are owned interface
// handles (channels), never raw back-pointers into the fan-out: a subscriber
// whose send fails is closed and removed by that same send, matching the teacher's resource-store subscriber/event-router pattern.
package watcher

import (
	"sync"

	memos "github.com/antimetal/memviz/pkg/memory/os"
)

// KernelStats is the flat struct broadcast to watchers: no VMO detail, just
// the kernel-wide numbers from a KMEM capture.
type KernelStats = memos.KernelStats

const subscriberBufferSize = 16

type subscriber struct {
	ch     chan KernelStats
	closed bool
}

// FanOut maintains an ordered list of subscriber channels and broadcasts a
// KernelStats value to each on Publish. Sends are best-effort: a full or
// closed subscriber channel is marked for removal and swept on the next
// Publish call, never retried.
type FanOut struct {
	mu          sync.Mutex
	subscribers []*subscriber
}

func New() *FanOut {
	return &FanOut{}
}

// Subscribe registers a new watcher and returns its receive-only channel.
// The channel is closed when Unsubscribe is called.
func (f *FanOut) Subscribe() <-chan KernelStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &subscriber{ch: make(chan KernelStats, subscriberBufferSize)}
	f.subscribers = append(f.subscribers, s)
	return s.ch
}

// Unsubscribe closes and removes the subscriber owning ch, if present.
func (f *FanOut) Unsubscribe(ch <-chan KernelStats) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, s := range f.subscribers {
		if (<-chan KernelStats)(s.ch) == ch {
			if !s.closed {
				close(s.ch)
				s.closed = true
			}
			f.subscribers = append(f.subscribers[:i], f.subscribers[i+1:]...)
			return
		}
	}
}

// Publish forwards stats to every watcher. Any subscriber whose channel is
// full (a non-consuming watcher with no backpressure contract, per spec.md
// §5) is marked for removal and swept before Publish returns — no retry, no
// blocking send.
func (f *FanOut) Publish(stats KernelStats) {
	f.mu.Lock()
	defer f.mu.Unlock()

	live := f.subscribers[:0]
	for _, s := range f.subscribers {
		if s.closed {
			continue
		}
		select {
		case s.ch <- stats:
			live = append(live, s)
		default:
			close(s.ch)
			s.closed = true
		}
	}
	f.subscribers = live
}

// Count returns the number of currently registered subscribers.
func (f *FanOut) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribers)
}
