// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package linuxadapter implements memory/os.Adapter against /proc. Linux has
// no kernel object ids or VMO parent/child graph, so this adapter maps the
// closest available concepts: a synthetic koid per (pid, mapping) pair, no
// VMO parent chains (every mapping is its own root with no children, so the
// reallocation pass in pkg/memory/capture is always a no-op on this
// adapter), and a best-effort /proc/meminfo breakdown into the
// KernelStats fields.
package linuxadapter

import (
	"bufio"
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	memos "github.com/antimetal/memviz/pkg/memory/os"
	pkgerrors "github.com/antimetal/memviz/pkg/errors"
)

// Adapter reads /proc rooted at ProcPath (default "/proc").
type Adapter struct {
	ProcPath string

	once     sync.Once
	selfKoid memos.Koid
}

func New(procPath string) *Adapter {
	if procPath == "" {
		procPath = "/proc"
	}
	return &Adapter{ProcPath: procPath}
}

func (a *Adapter) Self(ctx context.Context) (memos.Koid, error) {
	a.once.Do(func() {
		a.selfKoid = memos.Koid(os.Getpid())
	})
	return a.selfKoid, nil
}

func (a *Adapter) MonotonicNow(ctx context.Context) (int64, error) {
	var ts struct {
		sec, nsec int64
	}
	// CLOCK_MONOTONIC via /proc/uptime as a fallback when no direct syscall
	// wrapper is wanted here; precision to the second is sufficient for the
	// capture timestamp ordering guarantees this engine relies on.
	f, err := os.Open(filepath.Join(a.ProcPath, "uptime"))
	if err != nil {
		return 0, fmt.Errorf("read uptime: %w", err)
	}
	defer f.Close()
	var uptime float64
	if _, err := fmt.Fscanf(f, "%f", &uptime); err != nil {
		return 0, fmt.Errorf("parse uptime: %w", err)
	}
	ts.sec = int64(uptime)
	ts.nsec = int64((uptime - float64(ts.sec)) * 1e9)
	return ts.sec*1e9 + ts.nsec, nil
}

func (a *Adapter) KernelStats(ctx context.Context) (memos.KernelStats, error) {
	stats, _, err := a.readMeminfo()
	return stats, err
}

func (a *Adapter) KernelStatsExtended(ctx context.Context) (memos.KernelStats, memos.KernelStatsExtended, error) {
	stats, ext, err := a.readMeminfo()
	return stats, ext, err
}

func (a *Adapter) readMeminfo() (memos.KernelStats, memos.KernelStatsExtended, error) {
	f, err := os.Open(filepath.Join(a.ProcPath, "meminfo"))
	if err != nil {
		return memos.KernelStats{}, memos.KernelStatsExtended{}, fmt.Errorf("open meminfo: %w", err)
	}
	defer f.Close()

	fields := map[string]uint64{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			continue
		}
		key := strings.TrimSpace(line[:colon])
		rest := strings.TrimSpace(line[colon+1:])
		rest = strings.TrimSuffix(rest, " kB")
		v, err := strconv.ParseUint(strings.TrimSpace(rest), 10, 64)
		if err != nil {
			continue
		}
		fields[key] = v * 1024
	}
	if err := sc.Err(); err != nil {
		return memos.KernelStats{}, memos.KernelStatsExtended{}, fmt.Errorf("scan meminfo: %w", err)
	}

	total := fields["MemTotal"]
	free := fields["MemFree"]
	cached := fields["Cached"]
	buffers := fields["Buffers"]
	sreclaim := fields["SReclaimable"]
	anon := fields["AnonPages"]
	shmem := fields["Shmem"]
	pageTables := fields["PageTables"]

	wired := total - free - cached - buffers - sreclaim
	stats := memos.KernelStats{
		TotalBytes:       total,
		FreeBytes:        free,
		WiredBytes:       wired,
		TotalHeapBytes:   anon,
		FreeHeapBytes:    0,
		VmoBytes:         cached + buffers,
		MmuOverheadBytes: pageTables,
		IpcBytes:         shmem,
		OtherBytes:       sreclaim,
	}
	ext := memos.KernelStatsExtended{
		VmoPagerTotalBytes: cached,
	}
	return stats, ext, nil
}

func (a *Adapter) WalkProcesses(ctx context.Context, fn memos.WalkFunc) error {
	entries, err := os.ReadDir(a.ProcPath)
	if err != nil {
		return fmt.Errorf("read procfs: %w", err)
	}
	for _, e := range entries {
		pid, err := strconv.ParseUint(e.Name(), 10, 64)
		if err != nil {
			continue // not a pid directory
		}
		parent := a.readPPID(pid)
		if err := fn(0, memos.Koid(pid), memos.Koid(parent)); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) readPPID(pid uint64) uint64 {
	data, err := os.ReadFile(filepath.Join(a.ProcPath, strconv.FormatUint(pid, 10), "stat"))
	if err != nil {
		return 0
	}
	// Fields are space separated; field 2 (comm) may itself contain spaces
	// and is parenthesized, so split on the closing paren first.
	s := string(data)
	closeParen := strings.LastIndexByte(s, ')')
	if closeParen < 0 {
		return 0
	}
	rest := strings.Fields(s[closeParen+1:])
	if len(rest) < 2 {
		return 0
	}
	ppid, err := strconv.ParseUint(rest[1], 10, 64)
	if err != nil {
		return 0
	}
	return ppid
}

func (a *Adapter) ProcessName(ctx context.Context, koid memos.Koid) (string, error) {
	data, err := os.ReadFile(filepath.Join(a.ProcPath, strconv.FormatUint(uint64(koid), 10), "comm"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", pkgerrors.ErrObjectGone
		}
		return "", fmt.Errorf("read comm: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// ProcessVmos approximates a process's VMO set from /proc/[pid]/smaps: each
// mapping becomes one synthetic VMO with no parent, keyed by a koid hashed
// from the pid and the mapping's address range so it is stable across the
// two-phase enumeration idiom the original capability exposes.
func (a *Adapter) ProcessVmos(ctx context.Context, koid memos.Koid) ([]memos.VmoInfo, error) {
	pid := strconv.FormatUint(uint64(koid), 10)
	f, err := os.Open(filepath.Join(a.ProcPath, pid, "smaps"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, pkgerrors.ErrObjectGone
		}
		return nil, fmt.Errorf("open smaps: %w", err)
	}
	defer f.Close()

	var vmos []memos.VmoInfo
	var cur *memos.VmoInfo
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if isMappingHeader(line) {
			fields := strings.Fields(line)
			addrRange := fields[0]
			name := "anon"
			if len(fields) >= 6 {
				name = fields[5]
			}
			h := fnv.New64a()
			h.Write([]byte(pid))
			h.Write([]byte(addrRange))
			vmos = append(vmos, memos.VmoInfo{
				Koid:       memos.Koid(h.Sum64()),
				ParentKoid: memos.KoidNone,
				Name:       name,
			})
			cur = &vmos[len(vmos)-1]
			continue
		}
		if cur == nil {
			continue
		}
		if v, ok := parseSizeField(line, "Rss:"); ok {
			cur.CommittedBytes = v
		}
		if v, ok := parseSizeField(line, "Size:"); ok {
			cur.AllocatedBytes = v
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan smaps: %w", err)
	}
	return vmos, nil
}

func isMappingHeader(line string) bool {
	dash := strings.IndexByte(line, '-')
	if dash <= 0 {
		return false
	}
	space := strings.IndexByte(line, ' ')
	return space > dash
}

func parseSizeField(line, prefix string) (uint64, bool) {
	if !strings.HasPrefix(line, prefix) {
		return 0, false
	}
	rest := strings.TrimSpace(strings.TrimPrefix(line, prefix))
	rest = strings.TrimSuffix(rest, " kB")
	v, err := strconv.ParseUint(strings.TrimSpace(rest), 10, 64)
	if err != nil {
		return 0, false
	}
	return v * 1024, true
}

var _ memos.Adapter = (*Adapter)(nil)
