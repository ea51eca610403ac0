// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package corpus assembles the records of all dataset sources into one labeled corpus, split into
// training and validation sets.
//
// Assemble drains every sources.Adapter, resolves each record with a labels.Reconciler, drops the
// unresolved ones (counting them per source), and splits the resolved samples per class with a fixed
// seed. It also computes the class weights used by the loss and, optionally, oversamples the
// minority classes of the training split.
package corpus

import (
	"strings"

	"github.com/mifugocare/herdml/ml/data/labels"
	"github.com/mifugocare/herdml/ml/data/sources"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrEmptyCorpus is returned by Assemble when no record could be resolved.
var ErrEmptyCorpus = errors.New("empty corpus: no labeled image found")

// Sample is a resolved image: its path and canonical class index.
type Sample struct {
	ImagePath string
	Class     int

	// Source that yielded the image.
	Source string
}

// BalanceMode selects how class imbalance is handled in the training split.
type BalanceMode int

const (
	// BalanceNone keeps the natural class distribution; class weights compensate in the loss.
	BalanceNone BalanceMode = iota

	// BalanceOversample repeats minority-class training samples up to the largest class count.
	BalanceOversample
)

// String implements fmt.Stringer.
func (b BalanceMode) String() string {
	if b == BalanceOversample {
		return "oversample"
	}
	return "none"
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *BalanceMode) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "", "none":
		*b = BalanceNone
	case "oversample":
		*b = BalanceOversample
	default:
		return errors.Errorf("invalid balance mode %q, valid values are \"none\" and \"oversample\"", text)
	}
	return nil
}

// Options of Assemble.
type Options struct {
	// SplitRatio is the fraction of each class that goes to training, in (0, 1).
	SplitRatio float64

	// Seed of the split shuffling.
	Seed int64

	Balance BalanceMode
}

// DefaultOptions used by the training scripts: 80/20 split with seed 42 and no oversampling.
func DefaultOptions() Options {
	return Options{SplitRatio: 0.8, Seed: 42, Balance: BalanceNone}
}

// Corpus is the immutable result of Assemble.
type Corpus struct {
	taxonomy   *labels.Taxonomy
	train      []Sample
	validation []Sample
	weights    map[int]float64
	summary    *Summary
}

// Assemble drains the adapters, reconciles their records and splits the result.
//
// Unresolved records are dropped and counted in the Summary. It returns ErrEmptyCorpus if nothing was resolved.
func Assemble(adapters []sources.Adapter, reconciler *labels.Reconciler, opts Options) (*Corpus, error) {
	if opts.SplitRatio <= 0 || opts.SplitRatio >= 1 {
		return nil, errors.Errorf("split ratio must be in (0, 1), got %g", opts.SplitRatio)
	}
	taxonomy := reconciler.Taxonomy()
	numClasses := taxonomy.Len()
	summary := &Summary{
		SplitRatio: opts.SplitRatio,
		Seed:       opts.Seed,
		Balance:    opts.Balance,
	}

	var samples []Sample
	dropped := make([]int, numClasses)
	for _, adapter := range adapters {
		src := SourceSummary{Name: adapter.Name()}
		for {
			rec, ok := adapter.Next()
			if !ok {
				break
			}
			res, err := reconciler.Resolve(rec)
			if err != nil {
				if errors.Is(err, labels.ErrAmbiguousRow) {
					src.Ambiguous++
					for _, class := range res.Candidates {
						dropped[class]++
					}
				} else {
					src.Unresolved++
				}
				klog.V(2).Infof("dropping record: %v", err)
				continue
			}
			src.Resolved++
			if res.Origin == labels.OriginKeyword {
				src.ByKeyword++
			}
			samples = append(samples, Sample{ImagePath: rec.ImagePath, Class: res.Class, Source: rec.Source})
		}
		stats := adapter.Stats()
		src.Kind = stats.Kind.String()
		src.Records = stats.Records
		src.Skipped = stats.Skipped
		src.MissingRoot = stats.MissingRoot
		src.Warnings = stats.Warnings
		if err := adapter.Err(); err != nil {
			klog.Warningf("source %q stopped early: %+v", src.Name, err)
			src.Warnings = append(src.Warnings, err.Error())
		}
		if src.Unresolved > 0 || src.Ambiguous > 0 {
			klog.Warningf("source %q: dropped %d unresolved records and %d ambiguous rows", src.Name, src.Unresolved, src.Ambiguous)
		}
		summary.Sources = append(summary.Sources, src)
	}
	if len(samples) == 0 {
		return nil, errors.WithMessagef(ErrEmptyCorpus, "%d sources scanned", len(adapters))
	}

	c := &Corpus{taxonomy: taxonomy}
	c.train, c.validation = StratifiedSplit(samples, numClasses, opts.SplitRatio, opts.Seed)
	counts := countPerClass(samples, numClasses)
	c.weights = ClassWeights(counts)
	trainCounts := countPerClass(c.train, numClasses)
	if opts.Balance == BalanceOversample {
		c.train = Oversample(c.train, numClasses)
	}

	validationCounts := countPerClass(c.validation, numClasses)
	balancedCounts := countPerClass(c.train, numClasses)
	for class := range numClasses {
		if counts[class] == 0 {
			klog.Warningf("class %q has no samples: it is excluded from class weights", taxonomy.Name(class))
		}
		summary.Classes = append(summary.Classes, ClassSummary{
			Name:          taxonomy.Name(class),
			Total:         counts[class],
			Train:         trainCounts[class],
			TrainBalanced: balancedCounts[class],
			Validation:    validationCounts[class],
			Dropped:       dropped[class],
			Weight:        c.weights[class],
		})
	}
	summary.Total = len(samples)
	summary.Train = len(c.train)
	summary.Validation = len(c.validation)
	c.summary = summary
	return c, nil
}

func countPerClass(samples []Sample, numClasses int) []int {
	counts := make([]int, numClasses)
	for _, s := range samples {
		counts[s.Class]++
	}
	return counts
}

// Taxonomy of the corpus classes.
func (c *Corpus) Taxonomy() *labels.Taxonomy {
	return c.taxonomy
}

// NumClasses is the size of the taxonomy, K.
func (c *Corpus) NumClasses() int {
	return c.taxonomy.Len()
}

// Train returns the training split, oversampled if so configured. It must not be modified.
func (c *Corpus) Train() []Sample {
	return c.train
}

// Validation returns the validation split. It must not be modified.
func (c *Corpus) Validation() []Sample {
	return c.validation
}

// ClassWeights returns the weight of each class with at least one sample.
func (c *Corpus) ClassWeights() map[int]float64 {
	return c.weights
}

// WeightVector returns the class weights indexed by class, with 0 for classes without samples.
func (c *Corpus) WeightVector() []float32 {
	vector := make([]float32, c.taxonomy.Len())
	for class, w := range c.weights {
		vector[class] = float32(w)
	}
	return vector
}

// Summary of the assembly.
func (c *Corpus) Summary() *Summary {
	return c.summary
}
