// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package pressure

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/antimetal/memviz/pkg/memory/capture"
	"github.com/antimetal/memviz/pkg/memory/digest"
)

// DefaultDurations is the example level→duration table from spec.md §4.7:
// indexed by the level's own semantics, not alphabetically.
func DefaultDurations() map[Level]time.Duration {
	return map[Level]time.Duration{
		Critical:    30 * time.Second,
		Warning:     time.Minute,
		Normal:      5 * time.Minute,
		ImminentOOM: 10 * time.Minute,
	}
}

// CaptureFunc acquires the capture the logger should digest on this run.
type CaptureFunc func(ctx context.Context) (*capture.Capture, error)

// Logger is a self-rescheduling task: each run produces a Capture, digests
// it, and writes one formatted line. Its period is chosen from durations by
// the current PressureLevel; SetLevel reschedules immediately on a
// transition rather than waiting for the in-flight period to elapse.
type Logger struct {
	logger    logr.Logger
	durations map[Level]time.Duration
	capture   CaptureFunc
	digester  *digest.Digester
	writer    io.Writer

	mu    sync.Mutex
	level Level
	timer *time.Timer
}

func NewLogger(logger logr.Logger, durations map[Level]time.Duration, captureFn CaptureFunc, digester *digest.Digester, writer io.Writer) *Logger {
	if durations == nil {
		durations = DefaultDurations()
	}
	return &Logger{
		logger:    logger,
		durations: durations,
		capture:   captureFn,
		digester:  digester,
		writer:    writer,
		level:     Normal,
	}
}

// SetLevel updates the pressure level. If it changed, any pending run is
// cancelled and rescheduled at a near-zero delay so the new cadence takes
// effect without waiting out the previous period.
//
// The stop/drain/reset sequence runs under mu, the same lock Run's
// post-logOnce reschedule takes (see rescheduleLocked): without that, the
// two goroutines could each call Stop/Reset on l.timer concurrently, and
// whichever one lost the race could clobber this call's near-zero reset
// with a stale, pre-transition duration.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	changed := level != l.level
	l.level = level
	if changed && l.timer != nil {
		l.rescheduleLocked(time.Microsecond)
	}
}

// Run blocks, executing one run per period, until ctx is cancelled.
func (l *Logger) Run(ctx context.Context) {
	l.mu.Lock()
	l.timer = time.NewTimer(l.currentDurationLocked())
	timer := l.timer
	l.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			l.logOnce(ctx)
			l.mu.Lock()
			l.rescheduleLocked(l.currentDurationLocked())
			l.mu.Unlock()
		}
	}
}

func (l *Logger) currentDurationLocked() time.Duration {
	if d, ok := l.durations[l.level]; ok {
		return d
	}
	return 5 * time.Minute
}

// rescheduleLocked stops (draining a concurrently-fired channel) and resets
// l.timer to d. Callers must hold mu; this is the only place l.timer.Stop/
// Reset are called, so the two call sites (SetLevel's transition and Run's
// post-logOnce reschedule) can never interleave on the same timer.
func (l *Logger) rescheduleLocked(d time.Duration) {
	if !l.timer.Stop() {
		select {
		case <-l.timer.C:
		default:
		}
	}
	l.timer.Reset(d)
}

func (l *Logger) logOnce(ctx context.Context) {
	c, err := l.capture(ctx)
	if err != nil {
		l.logger.Error(err, "pressure logger: capture failed")
		return
	}
	d := l.digester.Digest(ctx, c)
	line := FormatLine(d)
	if _, err := io.WriteString(l.writer, line+"\n"); err != nil {
		l.logger.Error(err, "pressure logger: write failed")
		return
	}
	l.logger.Info(line)
}

// FormatLine renders a digest as one line of "Name: Size" pairs in the
// digest's order, with any embedded newlines collapsed to spaces.
func FormatLine(d *digest.Digest) string {
	parts := make([]string, len(d.Buckets))
	for i, b := range d.Buckets {
		parts[i] = fmt.Sprintf("%s: %d", b.Name, b.Size)
	}
	line := strings.Join(parts, ", ")
	return strings.ReplaceAll(line, "\n", " ")
}
