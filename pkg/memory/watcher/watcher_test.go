// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package watcher_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	memos "github.com/antimetal/memviz/pkg/memory/os"
	"github.com/antimetal/memviz/pkg/memory/watcher"
)

func TestFanOut_Broadcast(t *testing.T) {
	f := watcher.New()
	ch1 := f.Subscribe()
	ch2 := f.Subscribe()

	f.Publish(memos.KernelStats{FreeBytes: 100})

	assert.Equal(t, memos.KernelStats{FreeBytes: 100}, <-ch1)
	assert.Equal(t, memos.KernelStats{FreeBytes: 100}, <-ch2)
}

func TestFanOut_UnsubscribeRemoves(t *testing.T) {
	f := watcher.New()
	ch := f.Subscribe()
	assert.Equal(t, 1, f.Count())
	f.Unsubscribe(ch)
	assert.Equal(t, 0, f.Count())
	_, ok := <-ch
	assert.False(t, ok)
}

func TestFanOut_SweepsFullSubscriber(t *testing.T) {
	f := watcher.New()
	_ = f.Subscribe() // never drained

	for i := 0; i < 100; i++ {
		f.Publish(memos.KernelStats{FreeBytes: uint64(i)})
	}
	assert.Equal(t, 0, f.Count())
}
