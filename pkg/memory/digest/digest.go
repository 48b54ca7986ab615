// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package digest classifies a Capture against an ordered rule list,
// producing named buckets plus a synthetic tail (Undigested, Orphaned,
// Kernel, Free). First-match-wins: a VMO is attributed to at most one named
// bucket, and rule order is therefore part of the configuration contract.
package digest

import (
	"context"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"

	"github.com/antimetal/memviz/pkg/memory/bucket"
	"github.com/antimetal/memviz/pkg/memory/capture"
	memos "github.com/antimetal/memviz/pkg/memory/os"
)

var tracer = otel.Tracer("github.com/antimetal/memviz/pkg/memory/digest")

// Bucket is a named category in a digest, with its attributed byte total.
type Bucket struct {
	Name string
	Size uint64
}

// Digest is the timestamped output of classifying a Capture: an ordered
// bucket list plus the set of VMO koids that matched no rule.
type Digest struct {
	Timestamp      int64
	Buckets        []Bucket
	UndigestedVmos map[memos.Koid]bool
}

// Digester owns an ordered rule list. Its match caches are shared mutable
// state between the metrics sampler and the pressure logger (both build
// digests), so every access is guarded by mu — the Go rendering of the
// single "digester_mutex" the concurrency model names.
type Digester struct {
	mu    sync.Mutex
	rules []*bucket.Match
}

// NewDigester takes ownership of rules; a Digest borrows rule names into its
// Buckets by value copy, so rules must not be mutated by the caller
// afterward.
func NewDigester(rules []*bucket.Match) *Digester {
	return &Digester{rules: rules}
}

// Digest classifies c against the digester's rule list.
func (d *Digester) Digest(ctx context.Context, c *capture.Capture) *Digest {
	_, span := tracer.Start(ctx, "digest.classify")
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	undigested := map[memos.Koid]bool{}
	for koid := range c.Vmos {
		undigested[koid] = true
	}

	buckets := make([]Bucket, len(d.rules))
	for i, r := range d.rules {
		buckets[i].Name = r.Name
	}

	for i, r := range d.rules {
		for _, proc := range c.Processes {
			if !r.ProcessMatch(proc) {
				continue
			}
			for _, vkoid := range proc.Vmos {
				if !undigested[vkoid] {
					continue // already claimed by an earlier rule
				}
				v, ok := c.Vmos[vkoid]
				if !ok {
					continue
				}
				if r.VmoMatch(v.Name) {
					buckets[i].Size += v.CommittedBytes
					delete(undigested, vkoid)
				}
			}
		}
	}

	sort.SliceStable(buckets, func(i, j int) bool { return buckets[i].Size > buckets[j].Size })

	if len(undigested) > 0 {
		var total uint64
		for koid := range undigested {
			if v, ok := c.Vmos[koid]; ok {
				total += v.CommittedBytes
			}
		}
		buckets = append(buckets, Bucket{Name: "Undigested", Size: total})
	}

	if c.Kmem.TotalBytes > 0 {
		var attributed uint64
		for _, b := range buckets {
			attributed += b.Size
		}
		if attributed < c.Kmem.VmoBytes {
			buckets = append(buckets, Bucket{Name: "Orphaned", Size: c.Kmem.VmoBytes - attributed})
		}
		kmem := c.Kmem
		buckets = append(buckets,
			Bucket{Name: "Kernel", Size: kmem.WiredBytes + kmem.TotalHeapBytes + kmem.MmuOverheadBytes + kmem.IpcBytes + kmem.OtherBytes},
			Bucket{Name: "Free", Size: kmem.FreeBytes},
		)
	}

	return &Digest{
		Timestamp:      c.Timestamp,
		Buckets:        buckets,
		UndigestedVmos: undigested,
	}
}
