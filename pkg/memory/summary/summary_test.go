// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package summary_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/antimetal/memviz/pkg/memory/capture"
	memos "github.com/antimetal/memviz/pkg/memory/os"
	"github.com/antimetal/memviz/pkg/memory/summary"
)

// S6 — Summary shared (spec §8).
func TestBuild_SharedVmo(t *testing.T) {
	c := &capture.Capture{
		Kmem: memos.KernelStats{},
		Processes: map[memos.Koid]*capture.Process{
			2: {Koid: 2, Name: "p1", Vmos: []memos.Koid{1}},
			3: {Koid: 3, Name: "p2", Vmos: []memos.Koid{1}},
		},
		Vmos: map[memos.Koid]*capture.Vmo{
			1: {Koid: 1, ParentKoid: memos.KoidNone, Name: "v1", CommittedBytes: 100, AllocatedBytes: 100},
		},
	}

	s := summary.Build(context.Background(), c)

	byKoid := map[memos.Koid]*summary.ProcessSummary{}
	for _, ps := range s.Processes {
		byKoid[ps.Koid] = ps
	}

	for _, koid := range []memos.Koid{2, 3} {
		ps := byKoid[koid]
		assert.Equal(t, uint64(0), ps.Sizes.PrivateBytes)
		assert.Equal(t, uint64(50), ps.Sizes.ScaledBytes)
		assert.Equal(t, uint64(100), ps.Sizes.TotalBytes)
		assert.Equal(t, summary.Sizes{PrivateBytes: 0, ScaledBytes: 50, TotalBytes: 100}, ps.NameToSizes["v1"])
	}
}

func TestBuild_PrivateVmo(t *testing.T) {
	c := &capture.Capture{
		Processes: map[memos.Koid]*capture.Process{
			2: {Koid: 2, Name: "p1", Vmos: []memos.Koid{1}},
		},
		Vmos: map[memos.Koid]*capture.Vmo{
			1: {Koid: 1, ParentKoid: memos.KoidNone, Name: "v1", CommittedBytes: 100, AllocatedBytes: 100},
		},
	}

	s := summary.Build(context.Background(), c)
	var ps *summary.ProcessSummary
	for _, p := range s.Processes {
		if p.Koid == 2 {
			ps = p
		}
	}
	assert.Equal(t, uint64(100), ps.Sizes.PrivateBytes)
	assert.Equal(t, uint64(100), ps.Sizes.ScaledBytes)
	assert.Equal(t, uint64(100), ps.Sizes.TotalBytes)
}

func TestBuild_KernelSynthetic(t *testing.T) {
	c := &capture.Capture{
		Kmem: memos.KernelStats{
			TotalBytes: 1000, VmoBytes: 300, WiredBytes: 10, TotalHeapBytes: 20,
			MmuOverheadBytes: 30, IpcBytes: 40, OtherBytes: 50, FreeBytes: 100,
		},
		Processes: map[memos.Koid]*capture.Process{
			1: {Koid: 1, Name: "p1", Vmos: []memos.Koid{100}},
		},
		Vmos: map[memos.Koid]*capture.Vmo{
			100: {Koid: 100, Name: "a1", CommittedBytes: 100},
		},
	}

	s := summary.Build(context.Background(), c)
	var kernel *summary.ProcessSummary
	for _, p := range s.Processes {
		if p.Koid == summary.KernelKoid {
			kernel = p
		}
	}
	if kernel == nil {
		t.Fatal("expected synthetic kernel ProcessSummary")
	}
	assert.Equal(t, "kernel", kernel.Name)
	// vmo = max(0, 300-100) = 200; total = heap(20)+wired(10)+mmu(30)+ipc(40)+other(50)+vmo(200) = 350
	assert.Equal(t, uint64(350), kernel.Sizes.TotalBytes)
	assert.Equal(t, kernel.Sizes.TotalBytes, kernel.Sizes.PrivateBytes)
	assert.Equal(t, kernel.Sizes.TotalBytes, kernel.Sizes.ScaledBytes)
}
