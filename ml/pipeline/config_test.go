// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"testing"
	"time"

	"github.com/mifugocare/herdml/ml/data/corpus"
	"github.com/mifugocare/herdml/ml/data/labels"
	"github.com/mifugocare/herdml/ml/data/sources"
	"github.com/mifugocare/herdml/ml/train"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
taxonomy: [healthy, lumpy_skin, mastitis]
sources:
  - kind: directory
    root: /data/farm
    splits: [train, valid]
  - name: yolo
    kind: detection
    root: /data/yolo
    detector_classes: {2: mastitis, 7: healthy}
  - kind: multilabel
    root: /data/roboflow
    column_aliases: {lumpy: lumpy_skin}
  - kind: folder
    root: /data/pool
    class: healthy
ambiguous_rows: keywords
balance: oversample
metric: loss
checkpoint_failure: continue
schedule:
  kind: cosine
  period_epochs: 10
max_restarts: 3
restart_backoff: 2s
augment:
  flip_vertical: 0
`

func TestLoadConfig(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/herdml.yaml", []byte(sampleConfig), 0644))
	cfg, err := LoadConfig(fs, "/etc/herdml.yaml")
	require.NoError(t, err)

	assert.Equal(t, []string{"healthy", "lumpy_skin", "mastitis"}, cfg.Taxonomy)
	require.Len(t, cfg.Sources, 4)
	assert.Equal(t, "farm", cfg.Sources[0].Name)
	assert.Equal(t, sources.KindDirectory, cfg.Sources[0].Kind)
	assert.Equal(t, []string{"train", "valid"}, cfg.Sources[0].Splits)
	assert.Equal(t, sources.KindDetection, cfg.Sources[1].Kind)
	assert.Equal(t, map[int]string{2: "mastitis", 7: "healthy"}, cfg.Sources[1].DetectorClasses)
	assert.Equal(t, "_classes.csv", cfg.Sources[2].LabelFile)
	assert.Equal(t, "healthy", cfg.Sources[3].Class)
	assert.Equal(t, labels.AmbiguousKeywords, cfg.AmbiguousRows)
	assert.Equal(t, corpus.BalanceOversample, cfg.Balance)
	assert.Equal(t, train.MetricLoss, cfg.Metric)
	assert.Equal(t, train.CheckpointFailureContinue, cfg.CheckpointFailure)
	assert.Equal(t, "cosine", cfg.Schedule.Kind)
	assert.Equal(t, 2*time.Second, cfg.RestartBackoff)
	assert.Equal(t, 3, cfg.MaxRestarts)

	// Defaults are kept for what is not set.
	assert.Equal(t, 0.8, cfg.SplitRatio)
	assert.Equal(t, int64(42), cfg.Seed)
	assert.Equal(t, 224, cfg.ImageSize)
	assert.Equal(t, 0.5, cfg.Augment.FlipHorizontal)
	assert.Equal(t, 0.0, cfg.Augment.FlipVertical)
	assert.Equal(t, 15, cfg.Patience)
	assert.True(t, cfg.UseClassWeights)
	assert.True(t, cfg.Resume)

	reconciler, err := NewReconciler(cfg)
	require.NoError(t, err)
	class, err := reconciler.Reconcile(sources.RawRecord{ImagePath: "/data/yolo/a.jpg", Source: "yolo", Evidence: sources.DetectionLabel{ClassID: 2}})
	require.NoError(t, err)
	assert.Equal(t, 2, class)

	_, err = LoadConfig(fs, "/etc/missing.yaml")
	assert.Error(t, err)
}

func TestConfigErrors(t *testing.T) {
	base := "sources: [{kind: folder, root: /data/pool, class: healthy}]\n"
	_, err := ParseConfig([]byte(base))
	require.NoError(t, err)

	for name, yamlText := range map[string]string{
		"unknown field":        base + "epochs: 3\n",
		"no sources":           "taxonomy: [healthy]\n",
		"bad kind":             "sources: [{kind: zip, root: /x}]\n",
		"folder without class": "sources: [{kind: folder, root: /x}]\n",
		"folder class":         "sources: [{kind: folder, root: /x, class: goat_pox}]\n",
		"duplicate source":     "sources: [{kind: directory, root: /a/x}, {kind: directory, root: /b/x}]\n",
		"detector class":       "sources: [{kind: detection, root: /x, detector_classes: {1: rabies}}]\n",
		"alias class":          "sources: [{kind: multilabel, root: /x, column_aliases: {a: rabies}}]\n",
		"duplicate taxonomy":   base + "taxonomy: [healthy, Healthy]\n",
		"keyword rule class":   base + "keyword_rules: [{class: rabies, keywords: [foam]}]\n",
		"split ratio":          base + "split_ratio: 1\n",
		"balance":              base + "balance: undersample\n",
		"metric":               base + "metric: f1\n",
		"schedule":             base + "schedule: {kind: plateau, factor: 3, patience: 1}\n",
		"grid":                 base + "image_size: 4\nmodel: {grid_size: 8}\n",
		"batch size":           base + "batch_size: 0\n",
		"decode rate":          base + "max_decode_failure_rate: 2\n",
		"learning rate":        base + "learning_rate: 0\n",
		"normalization":        base + "normalize: {mean: [0, 0, 0], std: [1, 0, 1]}\n",
		"checkpoint failure":   base + "checkpoint_failure: retry\n",
		"restart backoff":      base + "max_restarts: 2\nrestart_backoff: 0s\n",
	} {
		_, err := ParseConfig([]byte(yamlText))
		assert.ErrorIs(t, err, ErrInvalidConfig, "case %q", name)
		assert.False(t, IsRetryable(err), "case %q", name)
	}
}
