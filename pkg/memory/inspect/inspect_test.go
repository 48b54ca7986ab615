// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package inspect_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/antimetal/memviz/pkg/memory/digest"
	"github.com/antimetal/memviz/pkg/memory/inspect"
)

func TestTree_SnapshotReflectsLatestUpdate(t *testing.T) {
	tree := inspect.New()
	tree.Update(&digest.Digest{Timestamp: 5_000_000_000, Buckets: []digest.Bucket{{Name: "Kernel", Size: 100}}}, 1000)
	tree.Update(&digest.Digest{Timestamp: 6_000_000_000, Buckets: []digest.Bucket{{Name: "Kernel", Size: 50}}}, 900)

	snap := tree.Snapshot()
	assert.Equal(t, int64(6), snap.TimestampSec)
	assert.Equal(t, uint64(50), snap.MemoryUsages["Kernel"])
	assert.Len(t, snap.Bandwidth, 2)
	assert.Equal(t, int64(-100), snap.Bandwidth[1].FreeDeltaBytes)
}

func TestTree_RingBufferCapsAt60(t *testing.T) {
	tree := inspect.New()
	for i := 0; i < 100; i++ {
		tree.Update(&digest.Digest{Timestamp: int64(i) * 1_000_000_000}, uint64(i))
	}
	snap := tree.Snapshot()
	assert.Len(t, snap.Bandwidth, 60)
}
