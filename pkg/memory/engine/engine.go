// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package engine wires the capture, digest, summary, high-water, pressure
// logger, and watcher fan-out components together and supervises their
// periodic tasks. The original source runs all tasks on one cooperative
// dispatcher; Go has no equivalent single-dispatcher primitive in this
// corpus, so each periodic task runs on its own goroutine under one
// errgroup.Group, with the digester's match caches guarded by its own mutex
// (see pkg/memory/digest), the "digester_mutex" of spec.md §5; here the
// digester is shared between the metrics sampler and the pressure logger.
package engine

import (
	"context"
	"io"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/antimetal/memviz/pkg/memory/capture"
	"github.com/antimetal/memviz/pkg/memory/digest"
	"github.com/antimetal/memviz/pkg/memory/highwater"
	"github.com/antimetal/memviz/pkg/memory/inspect"
	"github.com/antimetal/memviz/pkg/memory/metrics"
	memos "github.com/antimetal/memviz/pkg/memory/os"
	"github.com/antimetal/memviz/pkg/memory/pressure"
	"github.com/antimetal/memviz/pkg/memory/watcher"
)

// Config holds the three sampling periods and the high-water parameters;
// defaults match spec.md §2's example defaults.
type Config struct {
	WatcherPeriod    time.Duration // default 1s
	MetricsPeriod    time.Duration // default 5min
	HighWaterPeriod  time.Duration // default 10s
	HighWaterDir     string
	HighWaterThreshold uint64 // default 10MiB
}

func (c *Config) applyDefaults() {
	if c.WatcherPeriod == 0 {
		c.WatcherPeriod = time.Second
	}
	if c.MetricsPeriod == 0 {
		c.MetricsPeriod = 5 * time.Minute
	}
	if c.HighWaterPeriod == 0 {
		c.HighWaterPeriod = 10 * time.Second
	}
	if c.HighWaterThreshold == 0 {
		c.HighWaterThreshold = 10 * 1024 * 1024
	}
}

// Engine is the top-level orchestrator. Dropping it (cancelling its Run
// context) cancels every pending task, matching spec.md §5's destructor
// ordering guarantee.
type Engine struct {
	cfg      Config
	logger   logr.Logger
	adapter  memos.Adapter
	digester *digest.Digester
	fanout   *watcher.FanOut
	tracker  *highwater.Tracker
	pLogger  *pressure.Logger
	forward  *metrics.Forwarder
	tree     *inspect.Tree

	bootTime int64
}

// New constructs an Engine. bootTime is the adapter's monotonic nanoseconds
// at process start, used to compute process uptime for the metrics
// forwarder's "leak" dimension.
func New(cfg Config, logger logr.Logger, adapter memos.Adapter, digester *digest.Digester, forward *metrics.Forwarder, writer io.Writer, bootTime int64) *Engine {
	cfg.applyDefaults()
	tracker := highwater.New(cfg.HighWaterDir, cfg.HighWaterThreshold, adapter, logger.WithValues("component", "highwater"))
	pLogger := pressure.NewLogger(logger.WithValues("component", "pressure-logger"), pressure.DefaultDurations(),
		func(ctx context.Context) (*capture.Capture, error) {
			return capture.Build(ctx, adapter, capture.VMO, capture.Options{})
		}, digester, writer)

	return &Engine{
		cfg:      cfg,
		logger:   logger,
		adapter:  adapter,
		digester: digester,
		fanout:   watcher.New(),
		tracker:  tracker,
		pLogger:  pLogger,
		forward:  forward,
		tree:     inspect.New(),
		bootTime: bootTime,
	}
}

// FanOut exposes the watcher fan-out so callers can Subscribe.
func (e *Engine) FanOut() *watcher.FanOut { return e.fanout }

// SetPressureLevel forwards a pressure-level transition to the logger.
func (e *Engine) SetPressureLevel(level pressure.Level) { e.pLogger.SetLevel(level) }

// RecordHighWaterNow forces an immediate high-water record for an
// externally signaled imminent-OOM event.
func (e *Engine) RecordHighWaterNow(ctx context.Context) error {
	return e.tracker.RecordNow(ctx)
}

// Run starts the watcher sampler, metrics sampler, high-water tracker, and
// pressure logger as sibling goroutines under one errgroup. The first
// non-nil error cancels the shared context; Run returns that error once
// every task has observed the cancellation and returned.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return e.runWatcherSampler(gctx) })
	g.Go(func() error { return e.runMetricsSampler(gctx) })
	g.Go(func() error { return e.runHighWater(gctx) })
	g.Go(func() error { e.pLogger.Run(gctx); return nil })

	return g.Wait()
}

func (e *Engine) runWatcherSampler(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.WatcherPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c, err := capture.Build(ctx, e.adapter, capture.KMEM, capture.Options{})
			if err != nil {
				e.logger.Error(err, "watcher sampler: capture failed")
				continue
			}
			e.fanout.Publish(c.Kmem)
		}
	}
}

func (e *Engine) runMetricsSampler(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.MetricsPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c, err := capture.Build(ctx, e.adapter, capture.VMO, capture.Options{})
			if err != nil {
				e.logger.Error(err, "metrics sampler: capture failed")
				continue
			}
			d := e.digester.Digest(ctx, c)
			uptime := time.Duration(c.Timestamp - e.bootTime)
			if e.forward != nil {
				e.forward.CollectMetrics(d, c.Kmem, uptime)
			}
			e.tree.Update(d, c.Kmem.FreeBytes)
		}
	}
}

func (e *Engine) runHighWater(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.HighWaterPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.tracker.Poll(ctx); err != nil {
				e.logger.Error(err, "highwater: poll failed")
			}
		}
	}
}
