// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// herdml_train assembles the livestock image corpus described by a configuration file and trains a
// classifier on it, keeping the best checkpoint.
//
// Usage:
//
//	herdml_train -config=herd.yaml [-checkpoint=~/runs/herd] [-max_epochs=30]
//
// A failed run is restarted (resuming from the best checkpoint) up to max_restarts times, with
// exponential backoff. Configuration and data errors are never retried.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/janpfeifer/must"
	"github.com/mifugocare/herdml/ml/pipeline"
	"github.com/mifugocare/herdml/ml/train/commandline"
	"github.com/segmentio/backo-go"
	"github.com/spf13/afero"
	"k8s.io/klog/v2"
)

var (
	flagConfig     = flag.String("config", "", "YAML configuration file of the run. Required.")
	flagCheckpoint = flag.String("checkpoint", "", "Overrides checkpoint_dir of the configuration.")
	flagMaxEpochs  = flag.Int("max_epochs", 0, "If > 0, overrides max_epochs of the configuration.")
	flagRestarts   = flag.Int("max_restarts", -1, "If >= 0, overrides max_restarts of the configuration.")
	flagFresh      = flag.Bool("fresh", false, "Ignore any existing checkpoint and start from scratch.")
	flagCorpusOnly = flag.Bool("corpus_only", false, "Only assemble the corpus and print its summary, no training.")
	flagProgress   = flag.Bool("progress", true, "Display a progress bar while training.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagConfig == "" {
		klog.Errorf("Missing -config. See 'herdml_train -help'.")
		os.Exit(1)
	}

	fs := afero.NewOsFs()
	cfg := must.M1(pipeline.LoadConfig(fs, *flagConfig))
	if *flagCheckpoint != "" {
		cfg.CheckpointDir = *flagCheckpoint
	}
	if *flagMaxEpochs > 0 {
		cfg.MaxEpochs = *flagMaxEpochs
	}
	if *flagRestarts >= 0 {
		cfg.MaxRestarts = *flagRestarts
	}
	if *flagFresh {
		cfg.Resume = false
	}
	if err := cfg.Validate(); err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}

	if *flagCorpusOnly {
		c, err := pipeline.BuildCorpus(fs, cfg)
		if err != nil {
			klog.Errorf("%+v", err)
			os.Exit(1)
		}
		fmt.Println(c.Summary())
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	report, err := run(ctx, fs, cfg)
	if report != nil {
		if report.Corpus != nil {
			fmt.Println(report.Corpus)
		}
		if report.Training != nil {
			commandline.ReportResult(os.Stdout, report.Training)
		}
		fmt.Printf("Checkpoint: %s\nTraining log: %s\n", report.CheckpointPath, report.LogPath)
		for _, p := range report.Plots {
			fmt.Printf("Plot: %s\n", p)
		}
	}
	if err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
}

// run the pipeline, restarting it on retryable failures.
func run(ctx context.Context, fs afero.Fs, cfg *pipeline.Config) (*pipeline.Report, error) {
	var opts pipeline.Options
	if *flagProgress {
		opts.Attach = append(opts.Attach, commandline.AttachProgressBar)
	}
	backoff := backo.NewBacko(cfg.RestartBackoff, 2, 0, cfg.MaxRestartBackoff)
	for attempt := 0; ; attempt++ {
		report, err := pipeline.Run(ctx, fs, cfg, opts)
		if err == nil || attempt >= cfg.MaxRestarts || !pipeline.IsRetryable(err) || ctx.Err() != nil {
			return report, err
		}
		wait := backoff.Duration(attempt)
		klog.Warningf("Run failed (attempt %d of %d), restarting in %s: %v", attempt+1, cfg.MaxRestarts+1, wait, err)
		select {
		case <-ctx.Done():
			return report, err
		case <-time.After(wait):
		}
		// Restarts always continue from the best checkpoint saved so far.
		cfg.Resume = true
	}
}
