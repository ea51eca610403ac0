// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pipeline wires the dataset sources, the label reconciler, the corpus assembler, the sample
// loader and the training supervisor into one training run, configured by a Config.
package pipeline

import (
	"context"
	"path/filepath"

	"github.com/mifugocare/herdml/ml/data/corpus"
	"github.com/mifugocare/herdml/ml/data/labels"
	"github.com/mifugocare/herdml/ml/data/loader"
	"github.com/mifugocare/herdml/ml/data/sources"
	"github.com/mifugocare/herdml/ml/models/softmax"
	"github.com/mifugocare/herdml/ml/train"
	"github.com/mifugocare/herdml/ml/train/checkpoints"
	"github.com/mifugocare/herdml/ml/train/trainlog"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"k8s.io/klog/v2"
)

// ModelFactory creates the model to train, given the number of classes and image channels.
type ModelFactory func(cfg *Config, numClasses, channels int) (train.Model, error)

// SoftmaxModel is the default ModelFactory, creating the reference softmax.Model.
func SoftmaxModel(cfg *Config, numClasses, channels int) (train.Model, error) {
	return softmax.New(numClasses, channels, cfg.Model)
}

// Report of a pipeline run.
type Report struct {
	Corpus   *corpus.Summary
	Training *train.Result

	// CheckpointPath of the best checkpoint, and LogPath of the training log.
	CheckpointPath, LogPath string

	// Plots of the training history written at the end of the run.
	Plots []string
}

// Options of Run.
type Options struct {
	// Model factory, defaults to SoftmaxModel.
	Model ModelFactory

	// Attach is called with the Supervisor before the run starts, to attach hooks (e.g. progress bars).
	Attach []func(s *train.Supervisor)

	// RunID of the run, a random one is generated if empty.
	RunID string
}

// NewReconciler creates the taxonomy and the label reconciler of the configuration.
func NewReconciler(cfg *Config) (*labels.Reconciler, error) {
	taxonomy, err := labels.NewTaxonomy(cfg.Taxonomy...)
	if err != nil {
		return nil, err
	}
	options := []labels.Option{labels.WithAmbiguityPolicy(cfg.AmbiguousRows)}
	if len(cfg.KeywordRules) > 0 {
		options = append(options, labels.WithKeywordRules(cfg.KeywordRules))
	}
	for _, decl := range cfg.Sources {
		if len(decl.ColumnAliases) > 0 {
			options = append(options, labels.WithColumnAliases(decl.Name, decl.ColumnAliases))
		}
		if len(decl.DetectorClasses) > 0 {
			options = append(options, labels.WithDetectorClasses(decl.Name, decl.DetectorClasses))
		}
	}
	return labels.NewReconciler(taxonomy, options...)
}

// BuildCorpus scans all configured sources and assembles the corpus. The corpus summary is logged.
func BuildCorpus(fs afero.Fs, cfg *Config) (*corpus.Corpus, error) {
	reconciler, err := NewReconciler(cfg)
	if err != nil {
		return nil, errors.WithMessagef(ErrInvalidConfig, "%v", err)
	}
	adapters := make([]sources.Adapter, 0, len(cfg.Sources))
	for _, decl := range cfg.Sources {
		adapter, err := sources.Open(fs, decl)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, adapter)
	}
	c, err := corpus.Assemble(adapters, reconciler, corpus.Options{
		SplitRatio: cfg.SplitRatio,
		Seed:       cfg.Seed,
		Balance:    cfg.Balance,
	})
	if err != nil {
		return nil, err
	}
	c.Summary().Log()
	return c, nil
}

// Run trains a model as configured: it assembles the corpus, then runs the Supervisor until it stops.
//
// On training errors the returned Report is still filled in as far as the run got.
func Run(ctx context.Context, fs afero.Fs, cfg *Config, opts Options) (*Report, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c, err := BuildCorpus(fs, cfg)
	if err != nil {
		return nil, err
	}
	report := &Report{Corpus: c.Summary()}

	l, err := loader.New(fs, loader.Options{
		Workers:              cfg.Workers,
		MaxDecodeFailureRate: cfg.MaxDecodeFailureRate,
		ValidationCacheSize:  cfg.ValidationCacheSize,
	})
	if err != nil {
		return nil, err
	}
	trainBatches := l.NewBatches("train", c.Train(),
		loader.TrainTransform(cfg.ImageSize, cfg.Augment, cfg.Normalize),
		loader.BatchOptions{BatchSize: cfg.BatchSize, Shuffle: true, Seed: cfg.Seed})
	validationBatches := l.NewBatches("validation", c.Validation(),
		loader.EvalTransform(cfg.ImageSize, cfg.Normalize),
		loader.BatchOptions{BatchSize: cfg.BatchSize, Seed: cfg.Seed})

	store, err := checkpoints.Build(fs).Dir(cfg.CheckpointDir).Done()
	if err != nil {
		return nil, err
	}
	report.CheckpointPath = store.Path()
	log, err := trainlog.Open(fs, filepath.Join(store.Dir(), trainlog.DefaultFileName))
	if err != nil {
		return nil, err
	}
	report.LogPath = log.Path()
	schedule, err := cfg.Schedule.New(cfg.LearningRate, cfg.Metric.HigherIsBetter())
	if err != nil {
		return nil, errors.WithMessagef(ErrInvalidConfig, "%v", err)
	}

	newModel := opts.Model
	if newModel == nil {
		newModel = SoftmaxModel
	}
	model, err := newModel(cfg, c.NumClasses(), len(cfg.Normalize.Mean))
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create model")
	}
	var classWeights []float32
	if cfg.UseClassWeights {
		classWeights = c.WeightVector()
	}
	supervisor, err := train.NewSupervisor(model, store, train.Options{
		MaxEpochs:         cfg.MaxEpochs,
		Patience:          cfg.Patience,
		Metric:            cfg.Metric,
		LearningRate:      cfg.LearningRate,
		Schedule:          schedule,
		ClassNames:        c.Taxonomy().Names(),
		ClassWeights:      classWeights,
		CheckpointFailure: cfg.CheckpointFailure,
		Resume:            cfg.Resume,
		RunID:             opts.RunID,
		Log:               log,
	})
	if err != nil {
		return nil, err
	}
	for _, attach := range opts.Attach {
		attach(supervisor)
	}

	klog.Infof("Training on %d samples, validating on %d, for up to %d epochs (run %s)",
		len(c.Train()), len(c.Validation()), cfg.MaxEpochs, supervisor.Options().RunID)
	report.Training, err = supervisor.Run(ctx, trainBatches, validationBatches)
	if cfg.PlotHistory {
		report.Plots = plotHistory(fs, log.Path(), store.Dir())
	}
	return report, err
}

// plotHistory plots the full training log, including previous runs resumed from, with one point per
// epoch. Failures are only logged.
func plotHistory(fs afero.Fs, logPath, dir string) []string {
	rows, err := trainlog.Read(fs, logPath)
	if err != nil {
		klog.Warningf("Failed to read training log for plotting: %v", err)
		return nil
	}
	if len(rows) == 0 {
		return nil
	}
	plots, err := trainlog.PlotHistory(fs, rows, dir)
	if err != nil {
		klog.Warningf("Failed to plot training history: %v", err)
	}
	return plots
}

// IsRetryable returns whether restarting a run that failed with err may succeed: configuration and data
// errors, and cancellations, are not retryable.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrInvalidConfig),
		errors.Is(err, corpus.ErrEmptyCorpus),
		errors.Is(err, loader.ErrTooManyDecodeFailures),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}
