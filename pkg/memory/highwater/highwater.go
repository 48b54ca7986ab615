// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package highwater retains the capture corresponding to the lowest
// observed free-memory value this boot, persisting it to disk across a
// rename-previous-then-write-latest protocol so each boot's high-water
// survives exactly one reboot.
package highwater

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"

	"github.com/antimetal/memviz/pkg/memory/capture"
	memos "github.com/antimetal/memviz/pkg/memory/os"
	"github.com/antimetal/memviz/pkg/memory/printer"
	"github.com/antimetal/memviz/pkg/memory/summary"
)

const (
	latestFile   = "latest.txt"
	previousFile = "previous.txt"
)

// Tracker polls KMEM-level captures cheaply and only escalates to a full
// VMO-level capture (and a disk write) when the free-bytes floor is
// breached by at least Threshold.
type Tracker struct {
	Dir       string
	Threshold uint64
	Adapter   memos.Adapter
	Logger    logr.Logger

	leastFreeBytes uint64
}

// New constructs a Tracker. Construction has the side effect required by
// spec.md §4.6/§6: any existing previous.txt is removed, then latest.txt
// (if present) is renamed to previous.txt, preserving exactly the preceding
// boot's high-water. Both filesystem operations ignore a missing source.
func New(dir string, threshold uint64, adapter memos.Adapter, logger logr.Logger) *Tracker {
	t := &Tracker{
		Dir:            dir,
		Threshold:      threshold,
		Adapter:        adapter,
		Logger:         logger,
		leastFreeBytes: math.MaxUint64,
	}
	t.rotateOnStartup()
	return t
}

func (t *Tracker) rotateOnStartup() {
	prev := filepath.Join(t.Dir, previousFile)
	latest := filepath.Join(t.Dir, latestFile)

	if err := os.Remove(prev); err != nil && !os.IsNotExist(err) {
		t.Logger.Error(err, "highwater: failed to remove previous.txt")
	}
	if err := os.Rename(latest, prev); err != nil && !os.IsNotExist(err) {
		t.Logger.Error(err, "highwater: failed to rotate latest.txt to previous.txt")
	}
}

// Poll runs one iteration of the periodic task: a cheap KMEM capture, a
// threshold check, a re-check at VMO level to guard against a race where
// memory moved between the two captures, and — if still crossing — an
// atomic write of latest.txt.
func (t *Tracker) Poll(ctx context.Context) error {
	kmem, err := capture.Build(ctx, t.Adapter, capture.KMEM, capture.Options{})
	if err != nil {
		return fmt.Errorf("highwater: kmem capture: %w", err)
	}
	free := kmem.Kmem.FreeBytes
	if free+t.Threshold > t.leastFreeBytes {
		return nil
	}

	full, err := capture.Build(ctx, t.Adapter, capture.VMO, capture.Options{})
	if err != nil {
		return fmt.Errorf("highwater: full capture: %w", err)
	}
	free = full.Kmem.FreeBytes
	if free+t.Threshold > t.leastFreeBytes {
		return nil // race: no longer crossing by the time the full capture ran
	}

	return t.record(ctx, full, free)
}

// RecordNow forces an immediate high-water record regardless of the
// threshold, for an externally signaled imminent-OOM event.
func (t *Tracker) RecordNow(ctx context.Context) error {
	full, err := capture.Build(ctx, t.Adapter, capture.VMO, capture.Options{})
	if err != nil {
		return fmt.Errorf("highwater: imminent-oom capture: %w", err)
	}
	return t.record(ctx, full, full.Kmem.FreeBytes)
}

func (t *Tracker) record(ctx context.Context, c *capture.Capture, free uint64) error {
	t.leastFreeBytes = free

	s := summary.Build(ctx, c)
	text := printer.PrintSummary(c, s)

	if err := writeAtomic(filepath.Join(t.Dir, latestFile), text); err != nil {
		// Filesystem error policy (§7): log once, continue polling. The
		// in-memory high-water (leastFreeBytes) is already updated above.
		t.Logger.Error(err, "highwater: failed to write latest.txt")
		return nil
	}
	return nil
}

// GetHighWater returns the contents of latest.txt, or "" if absent.
func (t *Tracker) GetHighWater() string {
	return readOrEmpty(filepath.Join(t.Dir, latestFile))
}

// GetPreviousHighWater returns the contents of previous.txt, or "" if absent.
func (t *Tracker) GetPreviousHighWater() string {
	return readOrEmpty(filepath.Join(t.Dir, previousFile))
}

func readOrEmpty(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

// writeAtomic writes data to path such that a concurrent reader observes
// either the previous contents or the new contents in full, never a
// truncated file: write to a temp file in the same directory, then rename.
func writeAtomic(path, data string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".highwater-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.WriteString(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
