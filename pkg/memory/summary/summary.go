// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package summary attributes, for each process, the VMOs it transitively
// references through parent chains, and computes private/sharing-scaled/
// total byte accounts grouped by VMO name.
package summary

import (
	"context"

	"go.opentelemetry.io/otel"

	"github.com/antimetal/memviz/pkg/memory/capture"
	memos "github.com/antimetal/memviz/pkg/memory/os"
)

var tracer = otel.Tracer("github.com/antimetal/memviz/pkg/memory/summary")

// KernelKoid is the synthetic koid used for the kernel-attributed
// ProcessSummary.
const KernelKoid = memos.Koid(1)

// Sizes is a (private, scaled, total) byte triple.
type Sizes struct {
	PrivateBytes uint64
	ScaledBytes  uint64
	TotalBytes   uint64
}

// ProcessSummary is one process's (or the synthetic kernel's) attributed
// byte accounting, aggregate and broken down by VMO name.
type ProcessSummary struct {
	Koid        memos.Koid
	Name        string
	Sizes       Sizes
	NameToSizes map[string]Sizes
}

// Summary is a timestamped vector of ProcessSummary: the synthetic kernel
// entry first, then one per real process.
type Summary struct {
	Timestamp int64
	Processes []*ProcessSummary
}

// Build computes a Summary from c using the two-pass algorithm: pass one
// walks each process's VMO parent chains to populate per-process VMO sets
// and a vmo koid -> sharing process-set multimap; pass two consumes that
// multimap to compute private/scaled/total accounting. The two passes never
// interleave so neither owns the other's intermediate state.
func Build(ctx context.Context, c *capture.Capture) *Summary {
	_, span := tracer.Start(ctx, "summary.build")
	defer span.End()

	s := &Summary{Timestamp: c.Timestamp}

	// Pass 1: parent-chain walk.
	processVmos := map[memos.Koid][]memos.Koid{}
	vmoToProcesses := map[memos.Koid]map[memos.Koid]bool{}

	for pkoid, proc := range c.Processes {
		seen := map[memos.Koid]bool{}
		var set []memos.Koid
		for _, start := range proc.Vmos {
			cur := start
			for {
				if seen[cur] {
					break
				}
				seen[cur] = true
				set = append(set, cur)
				if vmoToProcesses[cur] == nil {
					vmoToProcesses[cur] = map[memos.Koid]bool{}
				}
				vmoToProcesses[cur][pkoid] = true

				v, ok := c.Vmos[cur]
				if !ok || v.ParentKoid == memos.KoidNone {
					break
				}
				if _, ok := c.Vmos[v.ParentKoid]; !ok {
					break
				}
				cur = v.ParentKoid
			}
		}
		processVmos[pkoid] = set
	}

	// Pass 2: accounting.
	var userVmoTotal uint64
	for koid := range c.Vmos {
		userVmoTotal += c.Vmos[koid].CommittedBytes
	}

	for pkoid, proc := range c.Processes {
		ps := &ProcessSummary{
			Koid:        pkoid,
			Name:        proc.Name,
			NameToSizes: map[string]Sizes{},
		}
		for _, vkoid := range processVmos[pkoid] {
			v := c.Vmos[vkoid]
			shareCount := uint64(len(vmoToProcesses[vkoid]))
			if shareCount == 0 {
				shareCount = 1
			}

			total := v.CommittedBytes
			var private, scaled uint64
			if shareCount == 1 {
				private = total
				scaled = total
			} else {
				scaled = total / shareCount
			}

			ps.Sizes.PrivateBytes += private
			ps.Sizes.ScaledBytes += scaled
			ps.Sizes.TotalBytes += total

			ns := ps.NameToSizes[v.Name]
			ns.PrivateBytes += private
			ns.ScaledBytes += scaled
			ns.TotalBytes += total
			ps.NameToSizes[v.Name] = ns
		}
		s.Processes = append(s.Processes, ps)
	}

	s.Processes = append([]*ProcessSummary{buildKernelSummary(c, userVmoTotal)}, s.Processes...)
	return s
}

// buildKernelSummary constructs the synthetic kernel ProcessSummary. Its
// vmo size is the kernel-attributed bytes not visible as any captured user
// VMO: max(0, kmem.vmo - sum over ALL captured VMOs), deliberately summing
// every VMO in the capture (not just those reachable from a process) —
// this differs from Digest's Orphaned-bucket formula, which subtracts
// already-attributed bucket totals instead. Both are preserved distinctly.
func buildKernelSummary(c *capture.Capture, userVmoTotal uint64) *ProcessSummary {
	kmem := c.Kmem
	vmoBytes := saturatingSub(kmem.VmoBytes, userVmoTotal)

	sizes := map[string]uint64{
		"heap":  kmem.TotalHeapBytes,
		"wired": kmem.WiredBytes,
		"mmu":   kmem.MmuOverheadBytes,
		"ipc":   kmem.IpcBytes,
		"other": kmem.OtherBytes,
		"vmo":   vmoBytes,
	}

	var total uint64
	nameToSizes := map[string]Sizes{}
	for name, v := range sizes {
		nameToSizes[name] = Sizes{PrivateBytes: v, ScaledBytes: v, TotalBytes: v}
		total += v
	}

	return &ProcessSummary{
		Koid:        KernelKoid,
		Name:        "kernel",
		Sizes:       Sizes{PrivateBytes: total, ScaledBytes: total, TotalBytes: total},
		NameToSizes: nameToSizes,
	}
}

func saturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}
