// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package capture builds a single, immutable-after-construction snapshot of
// kernel memory stats, the process tree, and the VMOs referenced by those
// processes, then normalizes the VMO parent/child graph so that committed
// bytes are attributed to the most specific named descendants beneath a
// configured set of "rooted" pool VMOs.
package capture

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel"

	pkgerrors "github.com/antimetal/memviz/pkg/errors"
	memos "github.com/antimetal/memviz/pkg/memory/os"
)

// Level is the capture detail requested: how much the OS adapter is asked
// to do. KMEM must avoid the expensive extended-stats query so the
// high-water tracker can sample it at high frequency cheaply.
type Level int

const (
	KMEM Level = iota
	PROCESS
	VMO
)

// DefaultRootedVmoNames are the pool VMOs whose committed bytes are pushed
// down to named descendants by default, carried forward from the Fuchsia
// sysmem allocator's well-known pool names.
var DefaultRootedVmoNames = []string{
	"SysmemContiguousPool",
	"SysmemAmlogicProtectedPool",
	"Sysmem-core",
}

var tracer = otel.Tracer("github.com/antimetal/memviz/pkg/memory/capture")

// Process is a process as recorded in a Capture: its koid, name, and the
// deduplicated, insertion-ordered list of VMO koids it directly holds.
type Process struct {
	Koid memos.Koid
	Name string
	Vmos []memos.Koid
}

// Vmo is a VMO as recorded in a Capture. CommittedBytes may have been
// rewritten by the reallocation pass; see Build.
type Vmo struct {
	Koid           memos.Koid
	ParentKoid     memos.Koid
	Name           string
	CommittedBytes uint64
	AllocatedBytes uint64
	NumChildren    uint64
}

// Capture is immutable after Build returns, aside from the one-shot
// reallocation pass Build itself performs before returning.
type Capture struct {
	Timestamp    int64
	Level        Level
	Kmem         memos.KernelStats
	KmemExtended *memos.KernelStatsExtended
	Processes    map[memos.Koid]*Process
	Vmos         map[memos.Koid]*Vmo
	RootVmoKoids []memos.Koid
}

// Options configures Build. RootedVmoNames defaults to DefaultRootedVmoNames
// when nil.
type Options struct {
	RootedVmoNames []string
}

// Build assembles a Capture from adapter at the requested level, following
// the construction protocol: timestamp first, then stats, then (at PROCESS
// or VMO level) the process walk, then (at VMO level only) the parent→child
// reallocation pass.
//
// Any adapter error other than pkgerrors.ErrObjectGone on a per-process call
// is returned wrapped in a pkgerrors.FatalError (capability-unreachable,
// fatal to this capture); the adapter error stays reachable through
// errors.Is/errors.As.
func Build(ctx context.Context, adapter memos.Adapter, level Level, opts Options) (*Capture, error) {
	ctx, span := tracer.Start(ctx, "capture.build")
	defer span.End()

	now, err := adapter.MonotonicNow(ctx)
	if err != nil {
		return nil, pkgerrors.NewFatalf("monotonic now: %w", err)
	}
	c := &Capture{
		Timestamp: now,
		Level:     level,
		Processes: map[memos.Koid]*Process{},
		Vmos:      map[memos.Koid]*Vmo{},
	}

	if level == KMEM {
		stats, err := adapter.KernelStats(ctx)
		if err != nil {
			return nil, pkgerrors.NewFatalf("kernel stats: %w", err)
		}
		c.Kmem = stats
		return c, nil
	}

	stats, ext, err := adapter.KernelStatsExtended(ctx)
	if err != nil {
		return nil, pkgerrors.NewFatalf("kernel stats extended: %w", err)
	}
	c.Kmem = stats
	c.KmemExtended = &ext

	self, err := adapter.Self(ctx)
	if err != nil {
		return nil, pkgerrors.NewFatalf("self koid: %w", err)
	}

	walkErr := adapter.WalkProcesses(ctx, func(depth int, koid, parentKoid memos.Koid) error {
		if koid == self {
			return nil
		}
		name, err := adapter.ProcessName(ctx, koid)
		if err != nil {
			if pkgerrors.Is(err, pkgerrors.ErrObjectGone) {
				return nil
			}
			return fmt.Errorf("process name %d: %w", koid, err)
		}
		proc := &Process{Koid: koid, Name: name}

		if level == VMO {
			vmos, err := adapter.ProcessVmos(ctx, koid)
			if err != nil {
				if pkgerrors.Is(err, pkgerrors.ErrObjectGone) {
					return nil
				}
				return fmt.Errorf("process vmos %d: %w", koid, err)
			}
			seen := map[memos.Koid]bool{}
			for _, v := range vmos {
				if seen[v.Koid] {
					continue
				}
				seen[v.Koid] = true
				proc.Vmos = append(proc.Vmos, v.Koid)
				if _, exists := c.Vmos[v.Koid]; !exists {
					c.Vmos[v.Koid] = &Vmo{
						Koid:           v.Koid,
						ParentKoid:     v.ParentKoid,
						Name:           v.Name,
						CommittedBytes: v.CommittedBytes,
						AllocatedBytes: v.AllocatedBytes,
						NumChildren:    v.NumChildren,
					}
				}
			}
		}

		c.Processes[koid] = proc
		return nil
	})
	if walkErr != nil {
		return nil, pkgerrors.NewFatalf("walk processes: %w", walkErr)
	}

	if level == VMO {
		rooted := opts.RootedVmoNames
		if rooted == nil {
			rooted = DefaultRootedVmoNames
		}
		c.RootVmoKoids = reallocate(c.Vmos, rooted)
	}

	return c, nil
}

// reallocate runs the parent→child committed-bytes reallocation pass and
// returns the set of root VMO koids (those whose parent is absent from the
// map, including the "none" sentinel). Only roots whose name matches
// rootedNames have their subtree reallocated.
//
// child.CommittedBytes is SET (not added) to the transferred amount,
// overwriting whatever the OS reported — this matches the original source's
// behavior exactly and is preserved deliberately, not "fixed."
func reallocate(vmos map[memos.Koid]*Vmo, rootedNames []string) []memos.Koid {
	children := map[memos.Koid][]memos.Koid{}
	var roots []memos.Koid
	for koid, v := range vmos {
		if v.ParentKoid == memos.KoidNone {
			roots = append(roots, koid)
			continue
		}
		if _, ok := vmos[v.ParentKoid]; !ok {
			// Parent koid set but not present in this capture: treat as root.
			roots = append(roots, koid)
			continue
		}
		children[v.ParentKoid] = append(children[v.ParentKoid], koid)
	}
	// Deterministic iteration order: roots and each sibling list in
	// insertion order isn't preserved by map iteration, so sort by koid to
	// keep the pass reproducible across runs given the same input set.
	sort.Slice(roots, func(i, j int) bool { return roots[i] < roots[j] })
	for _, list := range children {
		sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	}

	rootedSet := map[string]bool{}
	for _, n := range rootedNames {
		rootedSet[n] = true
	}

	for _, rootKoid := range roots {
		root := vmos[rootKoid]
		if !rootedSet[root.Name] {
			continue
		}
		pushDown(rootKoid, vmos, children, map[memos.Koid]bool{})
	}

	return roots
}

func pushDown(koid memos.Koid, vmos map[memos.Koid]*Vmo, children map[memos.Koid][]memos.Koid, visiting map[memos.Koid]bool) {
	if visiting[koid] {
		panic(fmt.Sprintf("capture: cycle detected in VMO parent/child graph at koid %d", koid))
	}
	visiting[koid] = true
	defer delete(visiting, koid)

	parent := vmos[koid]
	for _, childKoid := range children[koid] {
		child := vmos[childKoid]
		reallocated := min64(parent.CommittedBytes, child.AllocatedBytes)
		parent.CommittedBytes -= reallocated
		child.CommittedBytes = reallocated
		pushDown(childKoid, vmos, children, visiting)
	}
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
