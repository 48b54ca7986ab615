// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package highwater_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/memviz/pkg/memory/highwater"
	memos "github.com/antimetal/memviz/pkg/memory/os"
	"github.com/antimetal/memviz/pkg/memory/os/fake"
)

// scriptedFreeAdapter serves the next free-bytes value from the script on
// every stats call (KMEM or extended), repeating the last value once the
// script is exhausted. A Poll that escalates to the VMO-level recheck
// consumes two values, one that does not consumes one; the script repeats
// each crossing value so the recheck sees the same number.
type scriptedFreeAdapter struct {
	*fake.Adapter
	free []uint64
	i    int
}

func (a *scriptedFreeAdapter) current() uint64 {
	v := a.free[a.i]
	if a.i < len(a.free)-1 {
		a.i++
	}
	return v
}

func (a *scriptedFreeAdapter) KernelStats(ctx context.Context) (memos.KernelStats, error) {
	return memos.KernelStats{TotalBytes: 1000, FreeBytes: a.current()}, nil
}

func (a *scriptedFreeAdapter) KernelStatsExtended(ctx context.Context) (memos.KernelStats, memos.KernelStatsExtended, error) {
	return memos.KernelStats{TotalBytes: 1000, FreeBytes: a.current()}, memos.KernelStatsExtended{}, nil
}

// TestTracker_HighWaterSequence is the spec's S7 scenario: a scripted
// free-bytes sequence [200,200,150,150,100,100] against threshold 100
// crosses exactly twice, recording free=200 then free=100, with latest.txt
// reflecting the most recent record after each crossing.
func TestTracker_HighWaterSequence(t *testing.T) {
	dir := t.TempDir()
	adapter := &scriptedFreeAdapter{
		Adapter: &fake.Adapter{SelfKoid: 1},
		free:    []uint64{200, 200, 150, 150, 100, 100},
	}
	tr := highwater.New(dir, 100, adapter, logr.Discard())

	ctx := context.Background()

	require.NoError(t, tr.Poll(ctx)) // 200, 200 -> records free=200
	first := readLatest(t, dir)
	assert.Contains(t, first, "Free: 200B")

	require.NoError(t, tr.Poll(ctx)) // 150 -> below threshold vs 200, no record
	assert.Equal(t, first, readLatest(t, dir))

	require.NoError(t, tr.Poll(ctx)) // 150 -> still no record
	assert.Equal(t, first, readLatest(t, dir))

	require.NoError(t, tr.Poll(ctx)) // 100, 100 -> crosses again, records free=100
	second := readLatest(t, dir)
	assert.Contains(t, second, "Free: 100B")
	assert.NotEqual(t, first, second)
}

func TestTracker_RotatesPreviousOnStartup(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "latest.txt"), []byte("old boot"), 0o644))

	adapter := &fake.Adapter{SelfKoid: 1, Stats: memos.KernelStats{TotalBytes: 1000, FreeBytes: 500}}
	tr := highwater.New(dir, 10, adapter, logr.Discard())

	assert.Equal(t, "old boot", tr.GetPreviousHighWater())
	assert.Equal(t, "", tr.GetHighWater())
}

func readLatest(t *testing.T, dir string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "latest.txt"))
	require.NoError(t, err)
	return strings.TrimSpace(string(data))
}
