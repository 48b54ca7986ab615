// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package os

import "context"

// WalkFunc is invoked once per process discovered by Adapter.WalkProcesses.
// Returning a non-nil error stops the walk and propagates the error to the
// caller of WalkProcesses.
type WalkFunc func(depth int, koid, parentKoid Koid) error

// Adapter is the capability abstraction every capture is built against. Every
// method must be safe to call from the sampler goroutine; none of them may
// block indefinitely by contract, but no timeout is imposed here — callers
// that need one should wrap ctx themselves.
//
// Per-object methods (ProcessName, ProcessVmos) return pkg/errors.ErrObjectGone
// when the named process has exited between enumeration and the call; this is
// a normal, expected outcome of a live process tree and must be swallowed by
// the caller, not logged as a failure.
//
// Any other error from any method is a capability-unreachable failure and is
// fatal to the capture in progress.
type Adapter interface {
	// Self returns the koid of the calling process, so it can be excluded
	// from the walk.
	Self(ctx context.Context) (Koid, error)

	// MonotonicNow returns nanoseconds since boot.
	MonotonicNow(ctx context.Context) (int64, error)

	// KernelStats fetches the non-extended kernel memory stats. Cheap
	// relative to KernelStatsExtended; used by the KMEM capture level.
	KernelStats(ctx context.Context) (KernelStats, error)

	// KernelStatsExtended fetches the extended stats and mirrors the
	// overlapping fields into the returned KernelStats.
	KernelStatsExtended(ctx context.Context) (KernelStats, KernelStatsExtended, error)

	// WalkProcesses performs a depth-first walk of the process tree rooted
	// at the adapter's root job, invoking fn for each process. The adapter
	// does not filter out the caller's own process; callers that need that
	// exclusion do it themselves (the capture builder does).
	WalkProcesses(ctx context.Context, fn WalkFunc) error

	// ProcessName returns the process's name property. Returns
	// pkg/errors.ErrObjectGone if the process has exited.
	ProcessName(ctx context.Context, koid Koid) (string, error)

	// ProcessVmos returns every VMO the process directly holds a handle to.
	// The returned slice may contain duplicate koids if the process holds
	// multiple handles to the same VMO; callers deduplicate. Returns
	// pkg/errors.ErrObjectGone if the process has exited during enumeration.
	ProcessVmos(ctx context.Context, koid Koid) ([]VmoInfo, error)
}
