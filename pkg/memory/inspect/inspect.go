// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package inspect publishes a JSON-serializable structured tree of the
// latest digest, matching the node/property vocabulary of the original
// Fuchsia inspect tree (platform_metrics/memory_usages/memory_bandwidth):
// this repo has no Fuchsia component framework to publish a real inspect
// VMO into, so JSON is the substitute wire form.
package inspect

import (
	"sync"

	"github.com/antimetal/memviz/pkg/memory/digest"
	"github.com/antimetal/memviz/pkg/performance/ringbuffer"
)

// bandwidthBufferSize is the original's kMemoryBandwidthArraySize: 60
// entries, overwriting oldest. One entry is pushed per Update call (the
// engine calls Update once per metrics sample), not once per second.
const bandwidthBufferSize = 60

// Reading is one memory-bandwidth ring buffer entry.
type Reading struct {
	TimestampSec   int64
	FreeDeltaBytes int64
}

// Tree is the published inspect snapshot: a timestamp in seconds (not
// nanoseconds, to avoid 64-bit precision loss in JSON clients) plus one
// numeric child per bucket name, alongside the bandwidth ring buffer.
type Tree struct {
	mu sync.Mutex

	buckets   map[string]uint64
	timestamp int64
	bandwidth *ringbuffer.RingBuffer[Reading]
	lastFree  *uint64
}

func New() *Tree {
	rb, err := ringbuffer.New[Reading](bandwidthBufferSize)
	if err != nil {
		// capacity is a compile-time constant > 0; this can never fail.
		panic(err)
	}
	return &Tree{buckets: map[string]uint64{}, bandwidth: rb}
}

// Update publishes a new digest snapshot and pushes one bandwidth reading
// derived from the change in free bytes since the last update.
func (t *Tree) Update(d *digest.Digest, freeBytes uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	buckets := make(map[string]uint64, len(d.Buckets))
	for _, b := range d.Buckets {
		buckets[b.Name] = b.Size
	}
	t.buckets = buckets
	t.timestamp = d.Timestamp / 1_000_000_000

	var delta int64
	if t.lastFree != nil {
		delta = int64(freeBytes) - int64(*t.lastFree)
	}
	free := freeBytes
	t.lastFree = &free
	t.bandwidth.Push(Reading{TimestampSec: t.timestamp, FreeDeltaBytes: delta})
}

// Snapshot is the JSON-serializable shape of the current tree.
type Snapshot struct {
	TimestampSec int64             `json:"timestamp"`
	MemoryUsages map[string]uint64 `json:"memory_usages"`
	Bandwidth    []Reading         `json:"memory_bandwidth"`
}

func (t *Tree) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		TimestampSec: t.timestamp,
		MemoryUsages: t.buckets,
		Bandwidth:    t.bandwidth.GetAll(),
	}
}
