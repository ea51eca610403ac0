// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"bytes"
	"io"
	"runtime"
	"strconv"
	"time"

	"github.com/mifugocare/herdml/ml/data/corpus"
	"github.com/mifugocare/herdml/ml/data/labels"
	"github.com/mifugocare/herdml/ml/data/loader"
	"github.com/mifugocare/herdml/ml/data/sources"
	"github.com/mifugocare/herdml/ml/models/softmax"
	"github.com/mifugocare/herdml/ml/train"
	"github.com/mifugocare/herdml/ml/train/optimizers"
	"github.com/mifugocare/herdml/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is matched by all configuration errors.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config of a training pipeline run. It is the only source of paths and parameters: nothing is read
// from global state.
type Config struct {
	// Taxonomy of canonical class names. Class indices follow this order.
	Taxonomy []string `yaml:"taxonomy"`

	// Sources of images, each with its layout kind.
	Sources []sources.Declaration `yaml:"sources"`

	// KeywordRules applied, in order, to the file names of images without usable structured labels.
	// Defaults to labels.DefaultKeywordRules.
	KeywordRules []labels.KeywordRule `yaml:"keyword_rules"`

	// AmbiguousRows tells what to do with one-hot rows without exactly one positive column: "drop" or "keywords".
	AmbiguousRows labels.AmbiguityPolicy `yaml:"ambiguous_rows"`

	SplitRatio float64            `yaml:"split_ratio"`
	Seed       int64              `yaml:"seed"`
	Balance    corpus.BalanceMode `yaml:"balance"`

	// UseClassWeights hands the inverse-frequency class weights to the model's loss.
	UseClassWeights bool `yaml:"use_class_weights"`

	// ImageSize is the side of the square images fed to the model.
	ImageSize int                  `yaml:"image_size"`
	Augment   loader.Augmentation  `yaml:"augment"`
	Normalize loader.Normalization `yaml:"normalize"`

	BatchSize            int     `yaml:"batch_size"`
	Workers              int     `yaml:"workers"`
	MaxDecodeFailureRate float64 `yaml:"max_decode_failure_rate"`
	ValidationCacheSize  int     `yaml:"validation_cache_size"`

	MaxEpochs    int               `yaml:"max_epochs"`
	Patience     int               `yaml:"patience"`
	Metric       train.Metric      `yaml:"metric"`
	LearningRate float64           `yaml:"learning_rate"`
	Schedule     optimizers.Config `yaml:"schedule"`
	Model        softmax.Config    `yaml:"model"`

	// CheckpointDir holds the best checkpoint, the training log and the history plots.
	CheckpointDir     string                        `yaml:"checkpoint_dir"`
	CheckpointFailure train.CheckpointFailurePolicy `yaml:"checkpoint_failure"`
	Resume            bool                          `yaml:"resume"`
	PlotHistory       bool                          `yaml:"plot_history"`

	// MaxRestarts of a failed run, each resuming from the best checkpoint, with exponential backoff
	// starting at RestartBackoff and capped at MaxRestartBackoff.
	MaxRestarts       int           `yaml:"max_restarts"`
	RestartBackoff    time.Duration `yaml:"restart_backoff"`
	MaxRestartBackoff time.Duration `yaml:"max_restart_backoff"`
}

// DefaultConfig returns the configuration of the livestock training runs, without sources.
func DefaultConfig() *Config {
	return &Config{
		Taxonomy:             append([]string(nil), labels.DefaultTaxonomyNames...),
		AmbiguousRows:        labels.AmbiguousDrop,
		SplitRatio:           0.8,
		Seed:                 42,
		Balance:              corpus.BalanceNone,
		UseClassWeights:      true,
		ImageSize:            224,
		Augment:              loader.DefaultAugmentation(),
		Normalize:            loader.ImageNetNormalization,
		BatchSize:            32,
		Workers:              runtime.NumCPU(),
		MaxDecodeFailureRate: 0.05,
		MaxEpochs:            50,
		Patience:             15,
		Metric:               train.MetricAccuracy,
		LearningRate:         1e-3,
		Schedule:             optimizers.DefaultConfig(),
		Model:                softmax.DefaultConfig(),
		CheckpointDir:        "checkpoints",
		CheckpointFailure:    train.CheckpointFailureAbort,
		Resume:               true,
		PlotHistory:          true,
		RestartBackoff:       time.Second,
		MaxRestartBackoff:    time.Minute,
	}
}

// LoadConfig reads the YAML configuration at path, over the defaults, and validates it.
// Unknown fields are rejected.
func LoadConfig(fs afero.Fs, path string) (*Config, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read configuration")
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "configuration %q", path)
	}
	return cfg, nil
}

// ParseConfig parses a YAML configuration over the defaults, and validates it.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, errors.Wrapf(ErrInvalidConfig, "%v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// invalidf returns an error matching ErrInvalidConfig.
func invalidf(format string, args ...any) error {
	return errors.WithMessagef(ErrInvalidConfig, format, args...)
}

// Validate checks the configuration and normalizes the source declarations (defaults and names).
func (c *Config) Validate() error {
	taxonomy, err := labels.NewTaxonomy(c.Taxonomy...)
	if err != nil {
		return invalidf("%v", err)
	}
	inTaxonomy := func(what, class string) error {
		if _, found := taxonomy.Index(class); !found {
			return invalidf("%s refers to class %q, not in the taxonomy %q", what, class, taxonomy.Names())
		}
		return nil
	}
	if len(c.Sources) == 0 {
		return invalidf("no dataset sources configured")
	}
	names := make(map[string]bool, len(c.Sources))
	for i := range c.Sources {
		decl := &c.Sources[i]
		if err := decl.Normalize(); err != nil {
			return invalidf("%v", err)
		}
		if names[decl.Name] {
			return invalidf("duplicate dataset source name %q", decl.Name)
		}
		names[decl.Name] = true
		if decl.Kind == sources.KindFolder {
			if err := inTaxonomy("source "+decl.Name, decl.Class); err != nil {
				return err
			}
		}
		for column, class := range decl.ColumnAliases {
			if err := inTaxonomy("source "+decl.Name+" column alias "+column, class); err != nil {
				return err
			}
		}
		for id, class := range decl.DetectorClasses {
			if err := inTaxonomy("source "+decl.Name+" detector id "+strconv.Itoa(id), class); err != nil {
				return err
			}
		}
	}
	for i, rule := range c.KeywordRules {
		if err := inTaxonomy("keyword rule #"+strconv.Itoa(i), rule.Class); err != nil {
			return err
		}
		if len(rule.Keywords) == 0 {
			return invalidf("keyword rule #%d has no keywords", i)
		}
	}
	switch {
	case c.SplitRatio <= 0 || c.SplitRatio >= 1:
		return invalidf("split_ratio must be in (0, 1), got %g", c.SplitRatio)
	case c.ImageSize < 1:
		return invalidf("image_size must be positive, got %d", c.ImageSize)
	case c.Model.GridSize < 1 || c.Model.GridSize > c.ImageSize:
		return invalidf("model grid_size must be in [1, image_size=%d], got %d", c.ImageSize, c.Model.GridSize)
	case c.BatchSize < 1:
		return invalidf("batch_size must be positive, got %d", c.BatchSize)
	case c.MaxDecodeFailureRate < 0 || c.MaxDecodeFailureRate > 1:
		return invalidf("max_decode_failure_rate must be in [0, 1], got %g", c.MaxDecodeFailureRate)
	case c.ValidationCacheSize < 0:
		return invalidf("validation_cache_size must be >= 0, got %d", c.ValidationCacheSize)
	case c.MaxEpochs < 1:
		return invalidf("max_epochs must be positive, got %d", c.MaxEpochs)
	case c.Patience < 0:
		return invalidf("patience must be >= 0, got %d", c.Patience)
	case c.LearningRate <= 0:
		return invalidf("learning_rate must be positive, got %g", c.LearningRate)
	case c.CheckpointDir == "":
		return invalidf("checkpoint_dir is required")
	case c.MaxRestarts < 0:
		return invalidf("max_restarts must be >= 0, got %d", c.MaxRestarts)
	case c.MaxRestarts > 0 && (c.RestartBackoff <= 0 || c.MaxRestartBackoff < c.RestartBackoff):
		return invalidf("restart_backoff must be positive and not above max_restart_backoff, got %s and %s",
			c.RestartBackoff, c.MaxRestartBackoff)
	}
	if err := c.Normalize.Validate(); err != nil {
		return invalidf("%v", err)
	}
	if _, err := c.Schedule.New(c.LearningRate, c.Metric.HigherIsBetter()); err != nil {
		return invalidf("%v", err)
	}
	if c.CheckpointDir, err = fsutil.ReplaceTildeInDir(c.CheckpointDir); err != nil {
		return invalidf("%v", err)
	}
	return nil
}
