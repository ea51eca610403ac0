// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package loader

import (
	"image"
	"image/color"
	"math/rand/v2"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// Tensor holds one image as float32 values in height, width, channel (HWC) order.
// Tensors returned by the Loader may be shared (cached): they must be treated as read-only.
type Tensor struct {
	Height, Width, Channels int
	Values                  []float32
}

// At returns the value at the given position.
func (t *Tensor) At(y, x, channel int) float32 {
	return t.Values[(y*t.Width+x)*t.Channels+channel]
}

// Normalization of the RGB channels, applied after scaling pixel values to [0, 1].
type Normalization struct {
	Mean []float32 `yaml:"mean"`
	Std  []float32 `yaml:"std"`
}

// ImageNetNormalization is the per-channel mean and standard deviation of ImageNet, expected by
// encoders pre-trained on it.
var ImageNetNormalization = Normalization{
	Mean: []float32{0.485, 0.456, 0.406},
	Std:  []float32{0.229, 0.224, 0.225},
}

// Validate checks there is one mean and one non-zero std per channel.
func (n Normalization) Validate() error {
	if len(n.Mean) != 3 || len(n.Std) != 3 {
		return errors.Errorf("normalization requires 3 means and 3 stds (RGB), got %d and %d", len(n.Mean), len(n.Std))
	}
	for _, std := range n.Std {
		if std <= 0 {
			return errors.Errorf("normalization std must be positive, got %v", n.Std)
		}
	}
	return nil
}

// Augmentation configures the stochastic transformations applied to training images.
type Augmentation struct {
	// FlipHorizontal and FlipVertical are the probabilities of flipping the image.
	FlipHorizontal float64 `yaml:"flip_horizontal"`
	FlipVertical   float64 `yaml:"flip_vertical"`

	// RotationDegrees is the maximum absolute angle of a random rotation.
	RotationDegrees float64 `yaml:"rotation_degrees"`

	// Brightness, Contrast and Saturation are the maximum relative changes, e.g. 0.3 for ±30%.
	Brightness float64 `yaml:"brightness"`
	Contrast   float64 `yaml:"contrast"`
	Saturation float64 `yaml:"saturation"`
}

// DefaultAugmentation is the augmentation used for the livestock training runs.
func DefaultAugmentation() Augmentation {
	return Augmentation{
		FlipHorizontal:  0.5,
		FlipVertical:    0.2,
		RotationDegrees: 20,
		Brightness:      0.3,
		Contrast:        0.3,
		Saturation:      0.3,
	}
}

// Transform converts a decoded image to a Tensor: resize to Size x Size, augment (if Augment is set)
// and normalize.
type Transform struct {
	Size      int
	Augment   *Augmentation
	Normalize Normalization
}

// TrainTransform returns the stochastic transform used for training.
func TrainTransform(size int, augment Augmentation, normalize Normalization) Transform {
	return Transform{Size: size, Augment: &augment, Normalize: normalize}
}

// EvalTransform returns the deterministic transform used for validation: resize and normalize only.
func EvalTransform(size int, normalize Normalization) Transform {
	return Transform{Size: size, Normalize: normalize}
}

// Deterministic returns whether the transform output depends only on its input.
func (t Transform) Deterministic() bool {
	return t.Augment == nil
}

// jitter returns a random percentage in [-100*amount, 100*amount].
func jitter(rng *rand.Rand, amount float64) float64 {
	return (2*rng.Float64() - 1) * amount * 100
}

// Apply the transform to img. rng is only used if the transform is not deterministic.
func (t Transform) Apply(img image.Image, rng *rand.Rand) *Tensor {
	out := imaging.Resize(img, t.Size, t.Size, imaging.Linear)
	if aug := t.Augment; aug != nil && rng != nil {
		if rng.Float64() < aug.FlipHorizontal {
			out = imaging.FlipH(out)
		}
		if rng.Float64() < aug.FlipVertical {
			out = imaging.FlipV(out)
		}
		if aug.RotationDegrees > 0 {
			angle := (2*rng.Float64() - 1) * aug.RotationDegrees
			out = imaging.Rotate(out, angle, color.Black)
			out = imaging.CropCenter(out, t.Size, t.Size)
		}
		if aug.Brightness > 0 {
			out = imaging.AdjustBrightness(out, jitter(rng, aug.Brightness))
		}
		if aug.Contrast > 0 {
			out = imaging.AdjustContrast(out, jitter(rng, aug.Contrast))
		}
		if aug.Saturation > 0 {
			out = imaging.AdjustSaturation(out, jitter(rng, aug.Saturation))
		}
	}
	return toTensor(out, t.Normalize)
}

// toTensor converts the RGB channels of img, ignoring alpha.
func toTensor(img *image.NRGBA, norm Normalization) *Tensor {
	bounds := img.Bounds()
	t := &Tensor{Height: bounds.Dy(), Width: bounds.Dx(), Channels: 3}
	t.Values = make([]float32, t.Height*t.Width*t.Channels)
	pos := 0
	for y := range t.Height {
		row := img.Pix[y*img.Stride:]
		for x := range t.Width {
			for c := range 3 {
				v := float32(row[x*4+c]) / 255
				t.Values[pos] = (v - norm.Mean[c]) / norm.Std[c]
				pos++
			}
		}
	}
	return t
}

// placeholder returns the zero-filled tensor used in place of images that failed to decode.
func placeholder(size int) *Tensor {
	return &Tensor{Height: size, Width: size, Channels: 3, Values: make([]float32, size*size*3)}
}
