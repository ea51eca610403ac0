// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package loader

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"strings"

	"github.com/mifugocare/herdml/ml/data/corpus"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Batch of transformed images.
type Batch struct {
	Inputs []*Tensor
	Labels []int
	Paths  []string

	// Valid is false for the entries whose image failed to decode: their input is a placeholder
	// and should be left out of the loss and metrics.
	Valid []bool
}

// Size of the batch, including invalid entries.
func (b *Batch) Size() int {
	return len(b.Inputs)
}

// NumValid returns the number of entries with a successfully decoded image.
func (b *Batch) NumValid() int {
	n := 0
	for _, valid := range b.Valid {
		if valid {
			n++
		}
	}
	return n
}

// Failure of one image.
type Failure struct {
	Path string
	Err  error
}

// EpochReport accounts for the images loaded in one epoch.
type EpochReport struct {
	Epoch    int
	Loaded   int
	Failed   int
	Failures []Failure
}

// FailureRate is the fraction of loaded images that failed to decode.
func (r EpochReport) FailureRate() float64 {
	if r.Loaded == 0 {
		return 0
	}
	return float64(r.Failed) / float64(r.Loaded)
}

// String lists the failed images.
func (r EpochReport) String() string {
	if r.Failed == 0 {
		return fmt.Sprintf("epoch %d: %d images loaded, no failures", r.Epoch, r.Loaded)
	}
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "epoch %d: %d of %d images failed to decode (%.1f%%):",
		r.Epoch, r.Failed, r.Loaded, 100*r.FailureRate())
	for _, f := range r.Failures {
		_, _ = fmt.Fprintf(&sb, "\n\t%s: %v", f.Path, f.Err)
	}
	return sb.String()
}

// BatchOptions configures a Batches iterator.
type BatchOptions struct {
	BatchSize int

	// Shuffle the sample order at every epoch.
	Shuffle bool

	// Seed of the shuffling and of the augmentations.
	Seed int64
}

// Batches iterates over the samples of a split, in batches, one epoch at a time.
//
// It is not safe for concurrent use: one goroutine drives it, while the images of each batch are
// loaded in parallel.
type Batches struct {
	loader      *Loader
	name        string
	samples     []corpus.Sample
	transform   Transform
	opts        BatchOptions
	placeholder *Tensor

	epoch  int
	order  []int
	pos    int
	report EpochReport
}

// NewBatches creates an iterator over samples, using the transform.
func (l *Loader) NewBatches(name string, samples []corpus.Sample, transform Transform, opts BatchOptions) *Batches {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 32
	}
	b := &Batches{
		loader:      l,
		name:        name,
		samples:     samples,
		transform:   transform,
		opts:        opts,
		placeholder: placeholder(transform.Size),
	}
	b.Reset(0)
	return b
}

// Name of the iterator, e.g. "train" or "validation".
func (b *Batches) Name() string {
	return b.name
}

// NumBatches per epoch.
func (b *Batches) NumBatches() int {
	return (len(b.samples) + b.opts.BatchSize - 1) / b.opts.BatchSize
}

// NumSamples per epoch.
func (b *Batches) NumSamples() int {
	return len(b.samples)
}

// Reset starts the given epoch: the order is reshuffled (if configured) and the report is cleared.
func (b *Batches) Reset(epoch int) {
	b.epoch = epoch
	b.pos = 0
	b.report = EpochReport{Epoch: epoch}
	if b.opts.Shuffle {
		rng := rand.New(rand.NewPCG(uint64(b.opts.Seed), uint64(epoch)))
		b.order = rng.Perm(len(b.samples))
		return
	}
	if len(b.order) != len(b.samples) {
		b.order = make([]int, len(b.samples))
		for i := range b.order {
			b.order[i] = i
		}
	}
}

// EpochReport returns the report of the current epoch so far.
func (b *Batches) EpochReport() EpochReport {
	report := b.report
	report.Failures = append([]Failure(nil), b.report.Failures...)
	return report
}

// Next loads the next batch. It returns io.EOF at the end of the epoch (even if ctx is cancelled), ctx.Err() if ctx is cancelled,
// and an error matching ErrTooManyDecodeFailures if the epoch failure rate went above the maximum.
func (b *Batches) Next(ctx context.Context) (*Batch, error) {
	if b.pos >= len(b.order) {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	indices := b.order[b.pos:min(b.pos+b.opts.BatchSize, len(b.order))]
	n := len(indices)
	batch := &Batch{
		Inputs: make([]*Tensor, n),
		Labels: make([]int, n),
		Paths:  make([]string, n),
		Valid:  make([]bool, n),
	}
	errs := make([]error, n)
	err := b.loader.pool.Map(ctx, n, func(i int) {
		sampleIdx := indices[i]
		sample := b.samples[sampleIdx]
		batch.Labels[i] = sample.Class
		batch.Paths[i] = sample.ImagePath
		var rng *rand.Rand
		if !b.transform.Deterministic() {
			rng = rand.New(rand.NewPCG(uint64(b.opts.Seed)^0xa06e, uint64(b.epoch)<<32|uint64(sampleIdx)))
		}
		t, err := b.loader.Load(sample, b.transform, rng)
		if err != nil {
			errs[i] = err
			batch.Inputs[i] = b.placeholder
			return
		}
		batch.Inputs[i] = t
		batch.Valid[i] = true
	})
	if err != nil {
		return nil, err
	}
	b.pos += n

	b.report.Loaded += n
	for i, err := range errs {
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrDecode) {
			return nil, errors.WithMessagef(err, "%s: loading %q", b.name, batch.Paths[i])
		}
		b.report.Failed++
		b.report.Failures = append(b.report.Failures, Failure{Path: batch.Paths[i], Err: err})
		klog.Warningf("%s: replacing image with placeholder: %v", b.name, err)
	}
	maxRate := b.loader.opts.MaxDecodeFailureRate
	if b.report.Failed > 0 && b.report.FailureRate() > maxRate {
		return nil, errors.WithMessagef(ErrTooManyDecodeFailures,
			"%s epoch %d: %d of %d images failed to decode, above the maximum rate of %.1f%%",
			b.name, b.epoch, b.report.Failed, b.report.Loaded, 100*maxRate)
	}
	return batch, nil
}
