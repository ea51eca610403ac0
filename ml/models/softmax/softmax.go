// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package softmax implements a small reference classifier: a softmax regression over average-pooled
// image cells, trained with class-weighted cross-entropy and plain SGD.
//
// It stands in for the "image encoder + classifier head" so the pipeline can run end-to-end on a CPU
// without an external backbone. It implements train.Model.
package softmax

import (
	"bytes"
	"encoding/gob"
	"math"
	"math/rand/v2"

	"github.com/mifugocare/herdml/ml/data/loader"
	"github.com/mifugocare/herdml/ml/train"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Config of the Model.
type Config struct {
	// GridSize is the number of cells per side the image is average-pooled into.
	GridSize int `yaml:"grid_size"`

	// WeightDecay (L2 regularization) applied at every step.
	WeightDecay float64 `yaml:"weight_decay"`

	// Seed of the weights initialization.
	Seed int64 `yaml:"seed"`
}

// DefaultConfig pools the image into 8x8 cells.
func DefaultConfig() Config {
	return Config{GridSize: 8, WeightDecay: 1e-4, Seed: 42}
}

// Model is a softmax regression classifier. It is not safe for concurrent use.
type Model struct {
	config     Config
	numClasses int
	channels   int

	// weights[class] has one weight per feature.
	weights [][]float64
	bias    []float64

	// Buffers reused across steps.
	logits, probs []float64
}

var _ train.Model = (*Model)(nil)

// New creates a Model for numClasses classes and images with the given number of channels.
func New(numClasses, channels int, config Config) (*Model, error) {
	if numClasses < 2 {
		return nil, errors.Errorf("softmax model needs at least 2 classes, got %d", numClasses)
	}
	if channels < 1 || config.GridSize < 1 {
		return nil, errors.Errorf("invalid softmax model shape: %d channels, grid size %d", channels, config.GridSize)
	}
	m := &Model{config: config, numClasses: numClasses, channels: channels}
	numFeatures := m.NumFeatures()
	rng := rand.New(rand.NewPCG(uint64(config.Seed), 0x50f7))
	scale := 1 / math.Sqrt(float64(numFeatures))
	m.weights = make([][]float64, numClasses)
	for c := range m.weights {
		m.weights[c] = make([]float64, numFeatures)
		for i := range m.weights[c] {
			m.weights[c][i] = rng.NormFloat64() * scale * 0.01
		}
	}
	m.bias = make([]float64, numClasses)
	m.logits = make([]float64, numClasses)
	m.probs = make([]float64, numClasses)
	return m, nil
}

// NumFeatures is the size of the pooled feature vector.
func (m *Model) NumFeatures() int {
	return m.config.GridSize * m.config.GridSize * m.channels
}

// features average-pools t into GridSize x GridSize cells per channel.
func (m *Model) features(t *loader.Tensor) ([]float64, error) {
	if t == nil {
		return nil, errors.New("missing input tensor")
	}
	if t.Channels != m.channels {
		return nil, errors.Errorf("input has %d channels, model expects %d", t.Channels, m.channels)
	}
	grid := m.config.GridSize
	if t.Height < grid || t.Width < grid {
		return nil, errors.Errorf("input %dx%d is smaller than the %dx%d pooling grid", t.Height, t.Width, grid, grid)
	}
	features := make([]float64, m.NumFeatures())
	counts := make([]float64, grid*grid)
	for y := range t.Height {
		gy := y * grid / t.Height
		for x := range t.Width {
			gx := x * grid / t.Width
			cell := gy*grid + gx
			counts[cell]++
			for c := range t.Channels {
				features[cell*t.Channels+c] += float64(t.At(y, x, c))
			}
		}
	}
	for cell, count := range counts {
		for c := range t.Channels {
			features[cell*t.Channels+c] /= count
		}
	}
	return features, nil
}

// forward computes the class probabilities into m.probs and returns the predicted class.
func (m *Model) forward(features []float64) int {
	for c := range m.numClasses {
		m.logits[c] = floats.Dot(m.weights[c], features) + m.bias[c]
	}
	maxLogit := floats.Max(m.logits)
	for c, logit := range m.logits {
		m.probs[c] = math.Exp(logit - maxLogit)
	}
	floats.Scale(1/floats.Sum(m.probs), m.probs)
	return floats.MaxIdx(m.probs)
}

func classWeight(classWeights []float32, label int) float64 {
	if classWeights == nil {
		return 1
	}
	return float64(classWeights[label])
}

// step runs the forward pass over the valid entries of batch, and the SGD update if learningRate > 0.
func (m *Model) step(batch *loader.Batch, classWeights []float32, learningRate float64) (train.StepResult, error) {
	if classWeights != nil && len(classWeights) != m.numClasses {
		return train.StepResult{}, errors.Errorf("got %d class weights for a %d classes model", len(classWeights), m.numClasses)
	}
	result := train.StepResult{Predictions: make([]int, batch.Size())}
	var gradW [][]float64
	var gradB []float64
	if learningRate > 0 {
		gradW = make([][]float64, m.numClasses)
		for c := range gradW {
			gradW[c] = make([]float64, m.NumFeatures())
		}
		gradB = make([]float64, m.numClasses)
	}
	var lossSum, weightSum float64
	for i, input := range batch.Inputs {
		result.Predictions[i] = -1
		if !batch.Valid[i] {
			continue
		}
		label := batch.Labels[i]
		if label < 0 || label >= m.numClasses {
			return train.StepResult{}, errors.Errorf("label %d of %q out of range for %d classes", label, batch.Paths[i], m.numClasses)
		}
		features, err := m.features(input)
		if err != nil {
			return train.StepResult{}, errors.WithMessagef(err, "batch entry %d", i)
		}
		prediction := m.forward(features)
		result.Predictions[i] = prediction
		result.Count++
		if prediction == label {
			result.Correct++
		}
		w := classWeight(classWeights, label)
		lossSum -= w * math.Log(math.Max(m.probs[label], 1e-12))
		weightSum += w
		if gradW == nil {
			continue
		}
		for c := range m.numClasses {
			delta := m.probs[c]
			if c == label {
				delta -= 1
			}
			delta *= w
			floats.AddScaled(gradW[c], delta, features)
			gradB[c] += delta
		}
	}
	if weightSum > 0 {
		result.Loss = lossSum / weightSum
	}
	if gradW != nil && weightSum > 0 {
		decay := 1 - learningRate*m.config.WeightDecay
		for c := range m.numClasses {
			floats.Scale(decay, m.weights[c])
			floats.AddScaled(m.weights[c], -learningRate/weightSum, gradW[c])
			m.bias[c] -= learningRate * gradB[c] / weightSum
		}
	}
	return result, nil
}

// TrainStep implements train.Model.
func (m *Model) TrainStep(batch *loader.Batch, classWeights []float32, learningRate float64) (train.StepResult, error) {
	if learningRate <= 0 {
		return train.StepResult{}, errors.Errorf("learning rate must be positive, got %g", learningRate)
	}
	return m.step(batch, classWeights, learningRate)
}

// EvalStep implements train.Model.
func (m *Model) EvalStep(batch *loader.Batch, classWeights []float32) (train.StepResult, error) {
	return m.step(batch, classWeights, 0)
}

// Predict returns the class probabilities of one image.
func (m *Model) Predict(t *loader.Tensor) ([]float64, error) {
	features, err := m.features(t)
	if err != nil {
		return nil, err
	}
	m.forward(features)
	return append([]float64(nil), m.probs...), nil
}

// state is the serialized form of the Model.
type state struct {
	NumClasses, Channels, GridSize int
	Weights                        [][]float64
	Bias                           []float64
}

// MarshalState implements train.Model.
func (m *Model) MarshalState() ([]byte, error) {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(&state{
		NumClasses: m.numClasses,
		Channels:   m.channels,
		GridSize:   m.config.GridSize,
		Weights:    m.weights,
		Bias:       m.bias,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode softmax model state")
	}
	return buf.Bytes(), nil
}

// UnmarshalState implements train.Model. The state must have been saved by a model of the same shape.
func (m *Model) UnmarshalState(data []byte) error {
	var s state
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return errors.Wrapf(err, "failed to decode softmax model state")
	}
	if s.NumClasses != m.numClasses || s.Channels != m.channels || s.GridSize != m.config.GridSize {
		return errors.Errorf("softmax model state has %d classes, %d channels and grid size %d, model has %d, %d and %d",
			s.NumClasses, s.Channels, s.GridSize, m.numClasses, m.channels, m.config.GridSize)
	}
	if len(s.Weights) != m.numClasses || len(s.Bias) != m.numClasses {
		return errors.New("softmax model state is corrupted")
	}
	for _, w := range s.Weights {
		if len(w) != m.NumFeatures() {
			return errors.New("softmax model state is corrupted")
		}
	}
	m.weights, m.bias = s.Weights, s.Bias
	return nil
}
