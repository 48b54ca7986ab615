// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Command mem is a one-shot memory-capture CLI, the Go rendering of the
// original source's "memory" debug tool: by default it prints the
// human-readable summary at VMO detail, or a JSON capture dump with
// --print, or a CSV rollup with --output.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-logr/zapr"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/antimetal/memviz/pkg/memory/bucket"
	"github.com/antimetal/memviz/pkg/memory/capture"
	"github.com/antimetal/memviz/pkg/memory/digest"
	memos "github.com/antimetal/memviz/pkg/memory/os"
	"github.com/antimetal/memviz/pkg/memory/os/linuxadapter"
	"github.com/antimetal/memviz/pkg/memory/printer"
	"github.com/antimetal/memviz/pkg/memory/summary"
)

type options struct {
	printJSON bool
	output    string
	repeat    int
	pid       uint64
	rulesPath string
}

func main() {
	var o options

	root := &cobra.Command{
		Use:   "mem",
		Short: "Print per-process memory attribution for this host",
		Long: `mem samples kernel and per-process memory stats and prints an
attribution summary. With no flags it prints the human-readable summary at
VMO detail. --print dumps the raw capture as JSON. --output writes a CSV
rollup, repeated --repeat times at one-second intervals.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), o)
		},
		SilenceUsage: true,
	}

	root.Flags().BoolVar(&o.printJSON, "print", false, "dump the raw capture as JSON instead of the text summary")
	root.Flags().StringVar(&o.output, "output", "", "write a CSV rollup to this path instead of the text summary")
	root.Flags().IntVar(&o.repeat, "repeat", 1, "number of capture rounds to take (CSV output only)")
	root.Flags().Uint64Var(&o.pid, "pid", 0, "narrow CSV output to a single process koid (0 = all)")
	root.Flags().StringVar(&o.rulesPath, "rules", "", "bucket rule config JSON file, for --print's Buckets field")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, o options) error {
	zl, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer zl.Sync()
	logger := zapr.NewLogger(zl)

	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(ctx)
	otel.SetTracerProvider(tp)

	adapter := linuxadapter.New("/proc")

	var rules []*bucket.Match
	if o.rulesPath != "" {
		data, err := os.ReadFile(o.rulesPath)
		if err != nil {
			return fmt.Errorf("reading rules: %w", err)
		}
		rules, err = bucket.ParseRules(data)
		if err != nil {
			return fmt.Errorf("parsing rules: %w", err)
		}
	}
	digester := digest.NewDigester(rules)

	if o.output != "" {
		return runCSV(ctx, adapter, o)
	}

	c, err := capture.Build(ctx, adapter, capture.VMO, capture.Options{})
	if err != nil {
		logger.Error(err, "capture failed")
		return err
	}

	if o.printJSON {
		var out []byte
		if len(rules) > 0 {
			d := digester.Digest(ctx, c)
			out, err = printer.DumpJSONWithBuckets(c, d)
		} else {
			out, err = printer.DumpJSON(c)
		}
		if err != nil {
			return fmt.Errorf("encoding json: %w", err)
		}
		fmt.Println(string(out))
		return nil
	}

	s := summary.Build(ctx, c)
	fmt.Print(printer.PrintSummary(c, s))
	return nil
}

func runCSV(ctx context.Context, adapter memos.Adapter, o options) error {
	f, err := os.Create(o.output)
	if err != nil {
		return fmt.Errorf("creating output: %w", err)
	}
	defer f.Close()

	rounds := o.repeat
	if rounds <= 0 {
		rounds = 1
	}

	for i := 0; i < rounds; i++ {
		c, err := capture.Build(ctx, adapter, capture.VMO, capture.Options{})
		if err != nil {
			return err
		}
		s := summary.Build(ctx, c)
		if _, err := f.WriteString(printer.PrintCSV(c, s, o.pid)); err != nil {
			return fmt.Errorf("writing csv: %w", err)
		}
		if i < rounds-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}
	}
	return nil
}
