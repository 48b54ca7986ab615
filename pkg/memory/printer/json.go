// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package printer

import (
	"encoding/json"
	"sort"

	"github.com/antimetal/memviz/pkg/memory/capture"
	"github.com/antimetal/memviz/pkg/memory/digest"
	memos "github.com/antimetal/memviz/pkg/memory/os"
)

// captureJSON is the {Time, Kernel, Processes, VmoNames, Vmos} shape spec.md
// §6 defines for debugging dumps: Processes and Vmos are header+rows tables
// (first element is the column-name row) rather than arrays of objects, to
// match the original tool's compact dump format.
type captureJSON struct {
	Time      int64           `json:"Time"`
	Kernel    kernelJSON      `json:"Kernel"`
	Processes [][]interface{} `json:"Processes"`
	VmoNames  []string        `json:"VmoNames"`
	Vmos      [][]interface{} `json:"Vmos"`
}

type kernelJSON struct {
	TotalBytes       uint64 `json:"TotalBytes"`
	FreeBytes        uint64 `json:"FreeBytes"`
	WiredBytes       uint64 `json:"WiredBytes"`
	TotalHeapBytes   uint64 `json:"TotalHeapBytes"`
	FreeHeapBytes    uint64 `json:"FreeHeapBytes"`
	VmoBytes         uint64 `json:"VmoBytes"`
	MmuOverheadBytes uint64 `json:"MmuOverheadBytes"`
	IpcBytes         uint64 `json:"IpcBytes"`
	OtherBytes       uint64 `json:"OtherBytes"`
}

func toCaptureJSON(c *capture.Capture) captureJSON {
	out := captureJSON{
		Time: c.Timestamp,
		Kernel: kernelJSON{
			TotalBytes:       c.Kmem.TotalBytes,
			FreeBytes:        c.Kmem.FreeBytes,
			WiredBytes:       c.Kmem.WiredBytes,
			TotalHeapBytes:   c.Kmem.TotalHeapBytes,
			FreeHeapBytes:    c.Kmem.FreeHeapBytes,
			VmoBytes:         c.Kmem.VmoBytes,
			MmuOverheadBytes: c.Kmem.MmuOverheadBytes,
			IpcBytes:         c.Kmem.IpcBytes,
			OtherBytes:       c.Kmem.OtherBytes,
		},
		Processes: [][]interface{}{{"koid", "name", "vmos"}},
		Vmos:      [][]interface{}{{"koid", "name", "parent_koid", "committed_bytes", "allocated_bytes"}},
	}

	var pkoids []uint64
	for k := range c.Processes {
		pkoids = append(pkoids, uint64(k))
	}
	sort.Slice(pkoids, func(i, j int) bool { return pkoids[i] < pkoids[j] })
	for _, k := range pkoids {
		p := c.Processes[memos.Koid(k)]
		out.Processes = append(out.Processes, []interface{}{p.Koid, p.Name, p.Vmos})
	}

	nameSet := map[string]bool{}
	var vkoids []uint64
	for k := range c.Vmos {
		vkoids = append(vkoids, uint64(k))
	}
	sort.Slice(vkoids, func(i, j int) bool { return vkoids[i] < vkoids[j] })
	for _, k := range vkoids {
		v := c.Vmos[memos.Koid(k)]
		nameSet[v.Name] = true
		out.Vmos = append(out.Vmos, []interface{}{v.Koid, v.Name, v.ParentKoid, v.CommittedBytes, v.AllocatedBytes})
	}

	for n := range nameSet {
		out.VmoNames = append(out.VmoNames, n)
	}
	sort.Strings(out.VmoNames)

	return out
}

// DumpJSON renders the {Time, Kernel, Processes, VmoNames, Vmos} debug dump.
func DumpJSON(c *capture.Capture) ([]byte, error) {
	return json.MarshalIndent(toCaptureJSON(c), "", "  ")
}

// DumpJSONWithBuckets renders the combined {"Capture": …, "Buckets": […]}
// shape used when a bucket rule config accompanies the dump request.
func DumpJSONWithBuckets(c *capture.Capture, d *digest.Digest) ([]byte, error) {
	type combined struct {
		Capture captureJSON     `json:"Capture"`
		Buckets []digest.Bucket `json:"Buckets"`
	}
	return json.MarshalIndent(combined{Capture: toCaptureJSON(c), Buckets: d.Buckets}, "", "  ")
}
