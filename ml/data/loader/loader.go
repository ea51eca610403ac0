// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package loader decodes and transforms corpus samples into batches of tensors.
//
// Images are decoded in parallel on a workerspool.Pool. An image that fails to decode doesn't stop
// training: it is replaced by a placeholder tensor, marked invalid in its Batch and recorded in the
// EpochReport. Only when the rate of failures in an epoch exceeds Options.MaxDecodeFailureRate is the
// problem escalated with ErrTooManyDecodeFailures.
//
// Outputs of deterministic transforms (validation) can be kept in an LRU cache.
package loader

import (
	"fmt"
	"math/rand/v2"
	"runtime"

	"github.com/disintegration/imaging"
	lru "github.com/hashicorp/golang-lru"
	"github.com/mifugocare/herdml/internal/workerspool"
	"github.com/mifugocare/herdml/ml/data/corpus"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

var (
	// ErrDecode is matched by the errors of images that can't be read or decoded.
	ErrDecode = errors.New("image decode failure")

	// ErrTooManyDecodeFailures is returned when the decode failure rate of an epoch exceeds the configured maximum.
	ErrTooManyDecodeFailures = errors.New("too many image decode failures")
)

// DecodeError reports the image that failed to decode. It matches ErrDecode.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode image %q: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrDecode) true.
func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

// Options of a Loader.
type Options struct {
	// Workers decoding images in parallel. Defaults to runtime.NumCPU().
	Workers int

	// MaxDecodeFailureRate is the fraction of images of an epoch that may fail to decode before
	// ErrTooManyDecodeFailures is returned. Defaults to 0.05. Set to 1 to never escalate.
	MaxDecodeFailureRate float64

	// ValidationCacheSize is the number of transformed images of deterministic transforms to cache.
	// 0 disables the cache.
	ValidationCacheSize int
}

// DefaultOptions returns the default loader options.
func DefaultOptions() Options {
	return Options{
		Workers:              runtime.NumCPU(),
		MaxDecodeFailureRate: 0.05,
	}
}

// Loader reads images from a filesystem. It is safe for concurrent use.
type Loader struct {
	fs    afero.Fs
	opts  Options
	pool  *workerspool.Pool
	cache *lru.Cache
}

// New creates a Loader reading from fs.
func New(fs afero.Fs, opts Options) (*Loader, error) {
	if opts.MaxDecodeFailureRate < 0 || opts.MaxDecodeFailureRate > 1 {
		return nil, errors.Errorf("MaxDecodeFailureRate must be in [0, 1], got %g", opts.MaxDecodeFailureRate)
	}
	l := &Loader{
		fs:   fs,
		opts: opts,
		pool: workerspool.New(opts.Workers),
	}
	if opts.ValidationCacheSize > 0 {
		var err error
		l.cache, err = lru.New(opts.ValidationCacheSize)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to create validation cache of size %d", opts.ValidationCacheSize)
		}
	}
	return l, nil
}

// Options returns the loader options.
func (l *Loader) Options() Options {
	return l.opts
}

type cacheKey struct {
	path string
	size int
}

// Load decodes the image of the sample and applies the transform. rng is used by stochastic transforms.
//
// Errors reading or decoding the image match ErrDecode.
func (l *Loader) Load(sample corpus.Sample, transform Transform, rng *rand.Rand) (*Tensor, error) {
	useCache := l.cache != nil && transform.Deterministic()
	key := cacheKey{path: sample.ImagePath, size: transform.Size}
	if useCache {
		if value, found := l.cache.Get(key); found {
			return value.(*Tensor), nil
		}
	}
	f, err := l.fs.Open(sample.ImagePath)
	if err != nil {
		return nil, &DecodeError{Path: sample.ImagePath, Err: err}
	}
	defer func() { _ = f.Close() }()
	img, err := imaging.Decode(f, imaging.AutoOrientation(true))
	if err != nil {
		return nil, &DecodeError{Path: sample.ImagePath, Err: err}
	}
	t := transform.Apply(img, rng)
	if useCache {
		l.cache.Add(key, t)
	}
	return t, nil
}
