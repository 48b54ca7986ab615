// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package metrics forwards digest buckets and kernel-stats breakdowns to a
// Prometheus registry, and the same breakdown fields a second time against
// an uptime-bucketed "leak" series.
package metrics

import (
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/antimetal/memviz/pkg/memory/digest"
	memos "github.com/antimetal/memviz/pkg/memory/os"
)

// maxUnmappedLogsPerRun caps how many "unmapped bucket name" errors are
// logged per CollectMetrics call, per spec.md §7's "rate-limited (at most a
// few per run)".
const maxUnmappedLogsPerRun = 3

// Forwarder owns the Prometheus series this component emits.
type Forwarder struct {
	logger logr.Logger

	buckets   *prometheus.GaugeVec
	breakdown *prometheus.GaugeVec
	leak      *prometheus.GaugeVec

	// bucketCodes is the static bucket-name -> event-code taxonomy extending
	// the configured rule names with the synthetic tail. Bucket names absent
	// from this map still get a gauge (labels aren't restricted to a fixed
	// set in Prometheus), but are logged as unmapped per §4.9.
	bucketCodes map[string]int64
}

// DefaultBucketCodes is the synthetic-name taxonomy extension spec.md §4.9
// names explicitly.
func DefaultBucketCodes() map[string]int64 {
	return map[string]int64{
		"Undigested": -1,
		"Orphaned":   -2,
		"Kernel":     -3,
		"Free":       -4,
		"TotalBytes": -5,
	}
}

func NewForwarder(reg prometheus.Registerer, logger logr.Logger, bucketCodes map[string]int64) *Forwarder {
	f := &Forwarder{
		logger:      logger,
		bucketCodes: bucketCodes,
		buckets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "memviz_bucket_bytes",
			Help: "Committed bytes attributed to each digest bucket.",
		}, []string{"bucket"}),
		breakdown: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "memviz_kernel_bytes",
			Help: "Kernel memory breakdown by field.",
		}, []string{"breakdown"}),
		leak: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "memviz_kernel_bytes_by_uptime",
			Help: "Kernel memory breakdown by field, bucketed by process uptime.",
		}, []string{"breakdown", "uptime_bucket"}),
	}
	if reg != nil {
		reg.MustRegister(f.buckets, f.breakdown, f.leak)
	}
	return f
}

// CollectMetrics emits one gauge per non-empty bucket, one set of gauges
// for the kernel-stats breakdown, and the same breakdown a second time
// against the leak series parameterized by the uptime bucket at uptime.
func (f *Forwarder) CollectMetrics(d *digest.Digest, kmem memos.KernelStats, uptime time.Duration) {
	unmappedLogged := 0
	for _, b := range d.Buckets {
		if b.Size == 0 {
			continue
		}
		f.buckets.WithLabelValues(b.Name).Set(float64(b.Size))
		if _, ok := f.bucketCodes[b.Name]; !ok && unmappedLogged < maxUnmappedLogsPerRun {
			f.logger.Error(nil, "metrics: bucket name has no event code mapping", "bucket", b.Name)
			unmappedLogged++
		}
	}

	breakdown := map[string]uint64{
		"TotalBytes":           kmem.TotalBytes,
		"UsedBytes":            kmem.TotalBytes - kmem.FreeBytes,
		"FreeBytes":            kmem.FreeBytes,
		"VmoBytes":             kmem.VmoBytes,
		"KernelFreeHeapBytes":  kmem.FreeHeapBytes,
		"MmuBytes":             kmem.MmuOverheadBytes,
		"IpcBytes":             kmem.IpcBytes,
		"KernelTotalHeapBytes": kmem.TotalHeapBytes,
		"WiredBytes":           kmem.WiredBytes,
		"OtherBytes":           kmem.OtherBytes,
	}
	ub := UptimeBucket(uptime)
	for field, v := range breakdown {
		f.breakdown.WithLabelValues(field).Set(float64(v))
		f.leak.WithLabelValues(field, ub).Set(float64(v))
	}
}

// UptimeBucket maps an uptime duration to the enumerated "leak" dimension
// named in spec.md §4.9.
func UptimeBucket(uptime time.Duration) string {
	switch {
	case uptime < time.Minute:
		return "Up"
	case uptime < 30*time.Minute:
		return "Up1Min"
	case uptime < time.Hour:
		return "Up30Min"
	case uptime < 6*time.Hour:
		return "Up1H"
	case uptime < 12*time.Hour:
		return "Up6H"
	case uptime < 24*time.Hour:
		return "Up12H"
	case uptime < 2*24*time.Hour:
		return "Up1D"
	case uptime < 3*24*time.Hour:
		return "Up2D"
	case uptime < 6*24*time.Hour:
		return "Up3D"
	default:
		return "Up6D"
	}
}
