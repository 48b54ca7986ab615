// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package os abstracts the kernel capability surface the memory engine
// samples from: kernel-wide memory stats, the process tree, and the VMOs
// referenced by each process. Production code talks to /proc; tests drive a
// scripted fake.
package os

// Koid is an opaque, boot-unique object identifier. KoidNone is the sentinel
// used for "no parent" / "not applicable" — it is never a valid object koid.
type Koid uint64

const KoidNone Koid = 0

// KernelStats is the non-extended kernel memory breakdown. Invariants:
// Free <= Total, Vmo <= Total.
type KernelStats struct {
	TotalBytes       uint64
	FreeBytes        uint64
	WiredBytes       uint64
	TotalHeapBytes   uint64
	FreeHeapBytes    uint64
	VmoBytes         uint64
	MmuOverheadBytes uint64
	IpcBytes         uint64
	OtherBytes       uint64
}

// KernelStatsExtended is the superset populated only by the VMO/PROCESS
// capture levels; the extended query also mirrors the shared fields into a
// KernelStats so callers never need a second stats query.
type KernelStatsExtended struct {
	VmoPagerTotalBytes          uint64
	VmoPagerNewestBytes         uint64
	VmoPagerOldestBytes         uint64
	VmoDiscardableLockedBytes   uint64
	VmoDiscardableUnlockedBytes uint64
}

// ProcessInfo is a process as seen during the tree walk, before its name or
// VMO list have been fetched.
type ProcessInfo struct {
	Koid       Koid
	ParentKoid Koid
	Depth      int
}

// VmoInfo is a single VMO as reported by the adapter; ParentKoid is KoidNone
// when the VMO has no parent.
type VmoInfo struct {
	Koid           Koid
	ParentKoid     Koid
	Name           string
	CommittedBytes uint64
	AllocatedBytes uint64
	NumChildren    uint64
}
