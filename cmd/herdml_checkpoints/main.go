// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// herdml_checkpoints reports the best checkpoint and the training log kept in a checkpoint directory.
//
// Usage:
//
//	herdml_checkpoints [-log] [-plot=<output_dir>] <checkpoint_dir>
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	"github.com/mifugocare/herdml/internal/tables"
	"github.com/mifugocare/herdml/ml/train/checkpoints"
	"github.com/mifugocare/herdml/ml/train/commandline"
	"github.com/mifugocare/herdml/ml/train/trainlog"
	"github.com/mifugocare/herdml/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"k8s.io/klog/v2"
)

var (
	flagLog  = flag.Bool("log", false, fmt.Sprintf("Lists the epochs recorded in the training log %q.", trainlog.DefaultFileName))
	flagPlot = flag.String("plot", "", "If set, plots the training log as PNG files into the given directory.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		klog.Errorf("Missing checkpoint directory to read from. See 'herdml_checkpoints -help'")
		os.Exit(1)
	}
	if len(args) > 1 {
		klog.Errorf("Too many arguments. See 'herdml_checkpoints -help'.")
		os.Exit(1)
	}
	report(afero.NewOsFs(), must.M1(fsutil.ReplaceTildeInDir(args[0])))
}

func report(fs afero.Fs, dir string) {
	cpPath := filepath.Join(dir, checkpoints.DefaultFileName)
	cp, err := checkpoints.Read(fs, cpPath)
	switch {
	case errors.Is(err, checkpoints.ErrNotFound):
		fmt.Printf("No checkpoint saved in %q yet.\n", dir)
	case err != nil:
		klog.Fatalf("%+v", err)
	default:
		info := must.M1(fs.Stat(cpPath))
		fmt.Println(tables.Title("Best Checkpoint"))
		table := tables.New()
		table.Row("Path", cpPath)
		table.Row("Epoch", strconv.Itoa(cp.Epoch))
		table.Row(cp.MetricName, fmt.Sprintf("%.4f", cp.MetricValue))
		if cp.LearningRate > 0 {
			table.Row("Learning rate", fmt.Sprintf("%g", cp.LearningRate))
		}
		if cp.RunID != "" {
			table.Row("Run", cp.RunID)
		}
		table.Row("Saved", fmt.Sprintf("%s (%s)", cp.SavedAt.Local().Format(trainlog.TimeLayout), humanize.Time(cp.SavedAt)))
		table.Row("File size", humanize.Bytes(uint64(info.Size())))
		table.Row("Model state", fmt.Sprintf("%s, sha256 %s", humanize.Bytes(uint64(len(cp.ModelState))), shortHash(cp.StateSHA256)))
		fmt.Println(table.String())
	}

	if !*flagLog && *flagPlot == "" {
		return
	}
	rows := must.M1(trainlog.Read(fs, filepath.Join(dir, trainlog.DefaultFileName)))
	if len(rows) == 0 {
		fmt.Printf("No training log in %q.\n", dir)
		return
	}
	if *flagLog {
		commandline.ReportTrainingLog(os.Stdout, rows)
	}
	if *flagPlot != "" {
		plotDir := must.M1(fsutil.ReplaceTildeInDir(*flagPlot))
		for _, p := range must.M1(trainlog.PlotHistory(fs, rows, plotDir)) {
			fmt.Printf("Plot: %s\n", p)
		}
	}
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
