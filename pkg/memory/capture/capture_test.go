// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package capture_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/antimetal/memviz/pkg/errors"
	"github.com/antimetal/memviz/pkg/memory/capture"
	memos "github.com/antimetal/memviz/pkg/memory/os"
	"github.com/antimetal/memviz/pkg/memory/os/fake"
)

// S1 — Rooted reallocation (spec §8).
func TestBuild_RootedReallocation(t *testing.T) {
	adapter := &fake.Adapter{
		SelfKoid: 999,
		Processes: []fake.Process{
			{
				Koid: 10,
				Name: "p1",
				Vmos: []memos.VmoInfo{
					{Koid: 1, ParentKoid: memos.KoidNone, Name: "R1", CommittedBytes: 100, AllocatedBytes: 100},
					{Koid: 2, ParentKoid: 1, Name: "C1", CommittedBytes: 0, AllocatedBytes: 50},
					{Koid: 3, ParentKoid: 2, Name: "C2", CommittedBytes: 0, AllocatedBytes: 25},
				},
			},
		},
	}

	c, err := capture.Build(context.Background(), adapter, capture.VMO, capture.Options{
		RootedVmoNames: []string{"R1"},
	})
	require.NoError(t, err)

	assert.Equal(t, uint64(50), c.Vmos[1].CommittedBytes)
	assert.Equal(t, uint64(25), c.Vmos[2].CommittedBytes)
	assert.Equal(t, uint64(25), c.Vmos[3].CommittedBytes)
}

func TestBuild_KMEMLevelSkipsProcessWalk(t *testing.T) {
	adapter := &fake.Adapter{
		Stats: memos.KernelStats{TotalBytes: 1000, FreeBytes: 200},
		Processes: []fake.Process{
			{Koid: 10, Name: "p1"},
		},
	}
	c, err := capture.Build(context.Background(), adapter, capture.KMEM, capture.Options{})
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), c.Kmem.TotalBytes)
	assert.Empty(t, c.Processes)
}

func TestBuild_TolerantsObjectGone(t *testing.T) {
	adapter := &fake.Adapter{
		Processes: []fake.Process{
			{Koid: 10, Name: "p1"},
			{Koid: 11, Gone: true},
		},
	}
	c, err := capture.Build(context.Background(), adapter, capture.VMO, capture.Options{})
	require.NoError(t, err)
	assert.Contains(t, c.Processes, memos.Koid(10))
	assert.NotContains(t, c.Processes, memos.Koid(11))
}

// A capability-unreachable adapter error (kernel stats, self koid, or the
// process walk itself) must surface as a pkgerrors.FatalError, per §7.
func TestBuild_CapabilityUnreachableIsFatal(t *testing.T) {
	adapter := &fake.Adapter{KernelStatsErr: errors.New("kstats handle closed")}

	_, err := capture.Build(context.Background(), adapter, capture.KMEM, capture.Options{})
	require.Error(t, err)
	assert.True(t, pkgerrors.Fatal(err))
	assert.ErrorContains(t, err, "kstats handle closed")
}

func TestBuild_WalkErrorIsFatal(t *testing.T) {
	adapter := &fake.Adapter{WalkErr: errors.New("process tree unreadable")}

	_, err := capture.Build(context.Background(), adapter, capture.VMO, capture.Options{})
	require.Error(t, err)
	assert.True(t, pkgerrors.Fatal(err))
}

func TestBuild_ExcludesSelf(t *testing.T) {
	adapter := &fake.Adapter{
		SelfKoid: 10,
		Processes: []fake.Process{
			{Koid: 10, Name: "self"},
			{Koid: 11, Name: "other"},
		},
	}
	c, err := capture.Build(context.Background(), adapter, capture.VMO, capture.Options{})
	require.NoError(t, err)
	assert.NotContains(t, c.Processes, memos.Koid(10))
	assert.Contains(t, c.Processes, memos.Koid(11))
}
