// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package fake provides a scripted memory.os.Adapter test double. Tests
// preload a process tree and VMO table once, then drive monotonic time and
// kernel stats explicitly across samples.
package fake

import (
	"context"

	memos "github.com/antimetal/memviz/pkg/memory/os"
	pkgerrors "github.com/antimetal/memviz/pkg/errors"
)

// Process is the scripted shape of one process: its koid, parent (for the
// walk), name, and the VMOs it directly holds.
type Process struct {
	Koid       memos.Koid
	ParentKoid memos.Koid
	Name       string
	Vmos       []memos.VmoInfo
	// Gone, if true, makes ProcessName/ProcessVmos return ErrObjectGone for
	// this process, simulating a process that exited mid-walk.
	Gone bool
}

// Adapter is a scripted Adapter. Zero value is usable; populate fields
// directly before use.
type Adapter struct {
	SelfKoid    memos.Koid
	Now         int64
	Stats       memos.KernelStats
	Extended    memos.KernelStatsExtended
	Processes   []Process
	// KernelStatsErr/WalkErr, when non-nil, are returned verbatim from the
	// corresponding method call, simulating a capability-unreachable error.
	KernelStatsErr error
	WalkErr        error

	byKoid map[memos.Koid]*Process
}

func (a *Adapter) index() map[memos.Koid]*Process {
	if a.byKoid == nil {
		a.byKoid = make(map[memos.Koid]*Process, len(a.Processes))
		for i := range a.Processes {
			a.byKoid[a.Processes[i].Koid] = &a.Processes[i]
		}
	}
	return a.byKoid
}

func (a *Adapter) Self(ctx context.Context) (memos.Koid, error) {
	return a.SelfKoid, nil
}

func (a *Adapter) MonotonicNow(ctx context.Context) (int64, error) {
	return a.Now, nil
}

func (a *Adapter) KernelStats(ctx context.Context) (memos.KernelStats, error) {
	if a.KernelStatsErr != nil {
		return memos.KernelStats{}, a.KernelStatsErr
	}
	return a.Stats, nil
}

func (a *Adapter) KernelStatsExtended(ctx context.Context) (memos.KernelStats, memos.KernelStatsExtended, error) {
	if a.KernelStatsErr != nil {
		return memos.KernelStats{}, memos.KernelStatsExtended{}, a.KernelStatsErr
	}
	return a.Stats, a.Extended, nil
}

func (a *Adapter) WalkProcesses(ctx context.Context, fn memos.WalkFunc) error {
	if a.WalkErr != nil {
		return a.WalkErr
	}
	for _, p := range a.Processes {
		depth := 0
		if p.ParentKoid != memos.KoidNone {
			depth = 1
		}
		if err := fn(depth, p.Koid, p.ParentKoid); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) ProcessName(ctx context.Context, koid memos.Koid) (string, error) {
	p, ok := a.index()[koid]
	if !ok || p.Gone {
		return "", pkgerrors.ErrObjectGone
	}
	return p.Name, nil
}

func (a *Adapter) ProcessVmos(ctx context.Context, koid memos.Koid) ([]memos.VmoInfo, error) {
	p, ok := a.index()[koid]
	if !ok || p.Gone {
		return nil, pkgerrors.ErrObjectGone
	}
	return p.Vmos, nil
}

var _ memos.Adapter = (*Adapter)(nil)
