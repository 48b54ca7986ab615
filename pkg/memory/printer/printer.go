// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package printer implements the text, CSV, and JSON round-trip shapes
// spec.md §6 defines for captures and summaries.
package printer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/antimetal/memviz/pkg/memory/capture"
	"github.com/antimetal/memviz/pkg/memory/summary"
)

// FormatSize renders bytes using powers of 1024 with unit suffixes B K M G
// T P E: an integer below 1024, one decimal place above it, rounded to the
// nearest tenth. A tenth that rounds up to 10 carries into the integer part,
// and an integer part that reaches 1024 carries to the next unit.
func FormatSize(bytes uint64) string {
	const units = "BKMGTPE"
	ui := 0
	var r uint64
	for bytes > 1023 {
		r = bytes % 1024
		bytes /= 1024
		ui++
	}
	var roundUp uint64
	if r%102 >= 51 {
		roundUp = 1
	}
	r = r/102 + roundUp
	if r == 10 {
		bytes++
		r = 0
	}
	if bytes == 1024 && ui < len(units)-1 {
		bytes = 1
		ui++
	}
	if ui >= len(units) {
		ui = len(units) - 1
	}
	if r == 0 {
		return fmt.Sprintf("%d%c", bytes, units[ui])
	}
	return fmt.Sprintf("%d.%d%c", bytes, r, units[ui])
}

// PrintSummary renders the human-readable summary text format: a header
// line with human-readable byte sizes, then one line per process sorted by
// private bytes descending, each followed by its per-VMO-name breakdown
// lines (also sorted by private bytes descending, skipping zero-total
// entries). Every size is rendered through FormatSize, and scaled/total are
// omitted when they equal private (i.e. the VMO isn't shared) — matching
// printer.cc's PrintSummary: "name<koid> private" unshared, "name private
// scaled total" shared.
func PrintSummary(c *capture.Capture, s *summary.Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Time: %d VMO: %s Free: %s\n", s.Timestamp, FormatSize(c.Kmem.VmoBytes), FormatSize(c.Kmem.FreeBytes))

	procs := append([]*summary.ProcessSummary(nil), s.Processes...)
	sort.SliceStable(procs, func(i, j int) bool {
		return procs[i].Sizes.PrivateBytes > procs[j].Sizes.PrivateBytes
	})

	for _, p := range procs {
		fmt.Fprintf(&b, "%s<%d> %s\n", p.Name, p.Koid, formatSizes(p.Sizes))

		type named struct {
			name string
			sz   summary.Sizes
		}
		var names []named
		for n, sz := range p.NameToSizes {
			if sz.TotalBytes == 0 {
				continue
			}
			names = append(names, named{n, sz})
		}
		sort.SliceStable(names, func(i, j int) bool { return names[i].sz.PrivateBytes > names[j].sz.PrivateBytes })
		for _, n := range names {
			fmt.Fprintf(&b, "  %s %s\n", n.name, formatSizes(n.sz))
		}
	}

	return b.String()
}

// formatSizes renders a Sizes triple as "<private>[ <scaled> <total>]":
// scaled and total are dropped when they equal private, since that means
// the underlying VMO(s) aren't shared with any other process.
func formatSizes(sz summary.Sizes) string {
	if sz.ScaledBytes == sz.PrivateBytes && sz.TotalBytes == sz.PrivateBytes {
		return FormatSize(sz.PrivateBytes)
	}
	return fmt.Sprintf("%s %s %s", FormatSize(sz.PrivateBytes), FormatSize(sz.ScaledBytes), FormatSize(sz.TotalBytes))
}

// PrintCSV renders the machine-readable CSV shape: one row per
// (timestamp-in-seconds, process koid, vmo-or-process-name, private,
// scaled, total). If pid is non-zero, output is narrowed to that process.
func PrintCSV(c *capture.Capture, s *summary.Summary, pid uint64) string {
	var b strings.Builder
	timeSec := s.Timestamp / 1_000_000_000

	for _, p := range s.Processes {
		if pid != 0 && uint64(p.Koid) != pid {
			continue
		}
		fmt.Fprintf(&b, "%d,%d,%s,%d,%d,%d\n", timeSec, p.Koid, p.Name, p.Sizes.PrivateBytes, p.Sizes.ScaledBytes, p.Sizes.TotalBytes)
		names := make([]string, 0, len(p.NameToSizes))
		for n := range p.NameToSizes {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			sz := p.NameToSizes[n]
			fmt.Fprintf(&b, "%d,%d,%s,%d,%d,%d\n", timeSec, p.Koid, n, sz.PrivateBytes, sz.ScaledBytes, sz.TotalBytes)
		}
	}
	return b.String()
}
