// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optimizers implements the learning rate schedules stepped by the training supervisor
// at the end of each epoch.
package optimizers

import (
	"math"
	"strings"

	"github.com/pkg/errors"
)

// Schedule decides the learning rate of the next epoch.
//
// The supervisor calls Next once per epoch, after validation, with the 1-based epoch that just
// finished, its validation metric and the learning rate used during it.
type Schedule interface {
	Name() string
	Next(epoch int, metric, learningRate float64) float64
}

// Constant keeps the learning rate unchanged.
type Constant struct{}

func (Constant) Name() string { return "constant" }

func (Constant) Next(_ int, _, learningRate float64) float64 { return learningRate }

// StepDecay multiplies the learning rate by Gamma every StepEpochs epochs.
type StepDecay struct {
	StepEpochs int
	Gamma      float64
}

func (s StepDecay) Name() string { return "step" }

func (s StepDecay) Next(epoch int, _, learningRate float64) float64 {
	if s.StepEpochs > 0 && epoch%s.StepEpochs == 0 {
		return learningRate * s.Gamma
	}
	return learningRate
}

// CosineAnnealing follows a cosine curve from the initial learning rate down to MinLearningRate over
// PeriodEpochs epochs, and then restarts.
// See details in https://paperswithcode.com/method/cosine-annealing.
//
// The curve depends only on the epoch, so a run resumed mid-cycle follows the same rates, as long as
// InitialLearningRate is set.
type CosineAnnealing struct {
	PeriodEpochs int

	// InitialLearningRate at the start of every cycle. If 0, it is taken from the first call to Next.
	InitialLearningRate float64

	// MinLearningRate at the end of the cosine cycle. Defaults to 10^-3 * InitialLearningRate.
	MinLearningRate float64
}

func (s *CosineAnnealing) Name() string { return "cosine" }

func (s *CosineAnnealing) Next(epoch int, _, learningRate float64) float64 {
	if s.InitialLearningRate <= 0 {
		s.InitialLearningRate = learningRate
	}
	if s.MinLearningRate <= 0 {
		s.MinLearningRate = s.InitialLearningRate * 1e-3
	}
	if s.PeriodEpochs <= 0 {
		return learningRate
	}
	// Position of the next epoch (epoch+1) within its cycle, starting at 0.
	cycle := float64(epoch%s.PeriodEpochs) / float64(s.PeriodEpochs)
	cosine := (math.Cos(math.Pi*cycle) + 1) / 2
	return s.MinLearningRate + (s.InitialLearningRate-s.MinLearningRate)*cosine
}

// Plateau reduces the learning rate by Factor when the validation metric stopped improving for
// Patience epochs.
type Plateau struct {
	Factor   float64 // Factor by which the learning rate will be reduced.
	Patience int     // Number of epochs with no improvement after which the learning rate is reduced.

	// Threshold the metric must improve by to count as an improvement.
	Threshold float64

	// HigherIsBetter is true for metrics like accuracy, false for losses.
	HigherIsBetter bool

	// MinLearningRate is the floor of the reductions.
	MinLearningRate float64

	best        float64
	badEpochs   int
	initialized bool
}

func (s *Plateau) Name() string { return "plateau" }

func (s *Plateau) Next(_ int, metric, learningRate float64) float64 {
	if !s.initialized {
		s.best = metric
		s.initialized = true
		return learningRate
	}
	var improved bool
	if s.HigherIsBetter {
		improved = metric > s.best+s.Threshold
	} else {
		improved = metric < s.best-s.Threshold
	}
	if improved {
		s.best = metric
		s.badEpochs = 0
		return learningRate
	}
	s.badEpochs++
	if s.badEpochs >= s.Patience {
		s.badEpochs = 0
		return math.Max(learningRate*s.Factor, s.MinLearningRate)
	}
	return learningRate
}

// Config of a Schedule, as read from the pipeline configuration.
type Config struct {
	// Kind is one of "plateau", "cosine", "step" or "constant".
	Kind string `yaml:"kind"`

	Factor       float64 `yaml:"factor"`
	Patience     int     `yaml:"patience"`
	Threshold    float64 `yaml:"threshold"`
	MinLR        float64 `yaml:"min_lr"`
	PeriodEpochs int     `yaml:"period_epochs"`
	StepEpochs   int     `yaml:"step_epochs"`
	Gamma        float64 `yaml:"gamma"`
}

// DefaultConfig reduces the learning rate by half after 5 epochs without improvement.
func DefaultConfig() Config {
	return Config{Kind: "plateau", Factor: 0.5, Patience: 5, MinLR: 1e-7}
}

// New creates the configured Schedule. learningRate is the configured initial learning rate, and
// higherIsBetter tells the direction of the validation metric.
func (c Config) New(learningRate float64, higherIsBetter bool) (Schedule, error) {
	switch strings.ToLower(c.Kind) {
	case "", "constant":
		return Constant{}, nil
	case "plateau":
		if c.Factor <= 0 || c.Factor >= 1 {
			return nil, errors.Errorf("plateau schedule factor must be in (0, 1), got %g", c.Factor)
		}
		if c.Patience <= 0 {
			return nil, errors.Errorf("plateau schedule patience must be positive, got %d", c.Patience)
		}
		return &Plateau{Factor: c.Factor, Patience: c.Patience, Threshold: c.Threshold,
			HigherIsBetter: higherIsBetter, MinLearningRate: c.MinLR}, nil
	case "cosine":
		if c.PeriodEpochs <= 0 {
			return nil, errors.Errorf("cosine schedule requires period_epochs > 0, got %d", c.PeriodEpochs)
		}
		return &CosineAnnealing{PeriodEpochs: c.PeriodEpochs, InitialLearningRate: learningRate, MinLearningRate: c.MinLR}, nil
	case "step":
		if c.StepEpochs <= 0 || c.Gamma <= 0 {
			return nil, errors.Errorf("step schedule requires step_epochs > 0 and gamma > 0, got %d and %g", c.StepEpochs, c.Gamma)
		}
		return StepDecay{StepEpochs: c.StepEpochs, Gamma: c.Gamma}, nil
	}
	return nil, errors.Errorf("unknown learning rate schedule %q, valid values are plateau, cosine, step and constant", c.Kind)
}
