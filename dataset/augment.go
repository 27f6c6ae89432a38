/*
 *	Copyright 2025 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package dataset

import (
	"image"
	"image/color"
	"math"
	"math/rand"

	"github.com/disintegration/imaging"
)

// Augmentation of training images. The zero value does nothing.
type Augmentation struct {
	// HorizontalFlip and VerticalFlip flip the image with probability 0.5.
	HorizontalFlip, VerticalFlip bool

	// RotationRange in degrees: images are rotated by an angle uniformly sampled from [-RotationRange, RotationRange].
	RotationRange float64

	// WidthShiftRange and HeightShiftRange are fractions of the image size: images are translated by
	// an offset uniformly sampled from [-range*size, range*size].
	WidthShiftRange, HeightShiftRange float64

	// SamplewiseCenter subtracts from each image the mean of its values.
	SamplewiseCenter bool

	// SamplewiseStdNormalization divides each image by the standard deviation of its values.
	SamplewiseStdNormalization bool
}

// samplewiseEpsilon is added to the standard deviation before dividing.
const samplewiseEpsilon = 1e-6

var fillColor = color.NRGBA{R: 0, G: 0, B: 0, A: 255}

// IsZero returns whether the augmentation does nothing.
func (aug Augmentation) IsZero() bool {
	return aug == Augmentation{}
}

// IsGeometric returns whether any of the image transformations are enabled.
func (aug Augmentation) IsGeometric() bool {
	return aug.HorizontalFlip || aug.VerticalFlip || aug.RotationRange > 0 ||
		aug.WidthShiftRange > 0 || aug.HeightShiftRange > 0
}

// IsSamplewise returns whether any of the samplewise normalizations are enabled.
func (aug Augmentation) IsSamplewise() bool {
	return aug.SamplewiseCenter || aug.SamplewiseStdNormalization
}

// Apply the geometric transformations to img, using rng for the random choices.
// The returned image has the same size as img.
func (aug Augmentation) Apply(img image.Image, rng *rand.Rand) image.Image {
	if !aug.IsGeometric() {
		return img
	}
	size := img.Bounds().Size()
	if aug.RotationRange > 0 {
		angle := (2*rng.Float64() - 1) * aug.RotationRange
		if angle != 0 {
			img = imaging.Rotate(img, angle, fillColor)
			img = imaging.CropCenter(img, size.X, size.Y)
		}
	}
	if aug.WidthShiftRange > 0 || aug.HeightShiftRange > 0 {
		dx := int(math.Round((2*rng.Float64() - 1) * aug.WidthShiftRange * float64(size.X)))
		dy := int(math.Round((2*rng.Float64() - 1) * aug.HeightShiftRange * float64(size.Y)))
		if dx != 0 || dy != 0 {
			shifted := imaging.New(size.X, size.Y, fillColor)
			img = imaging.Paste(shifted, img, image.Pt(dx, dy))
		}
	}
	if aug.HorizontalFlip && rng.Intn(2) == 1 {
		img = imaging.FlipH(img)
	}
	if aug.VerticalFlip && rng.Intn(2) == 1 {
		img = imaging.FlipV(img)
	}
	return img
}

// NormalizeSamples applies the samplewise normalizations in place to flat, that holds
// numExamples images of the same size, one after the other.
func (aug Augmentation) NormalizeSamples(flat []float32, numExamples int) {
	if !aug.IsSamplewise() || numExamples <= 0 {
		return
	}
	exampleSize := len(flat) / numExamples
	for ii := range numExamples {
		aug.normalizeSample(flat[ii*exampleSize : (ii+1)*exampleSize])
	}
}

func (aug Augmentation) normalizeSample(values []float32) {
	if len(values) == 0 {
		return
	}
	var sum float64
	for _, v := range values {
		sum += float64(v)
	}
	mean := sum / float64(len(values))
	if aug.SamplewiseCenter {
		for ii, v := range values {
			values[ii] = float32(float64(v) - mean)
		}
		mean = 0
	}
	if aug.SamplewiseStdNormalization {
		var sumSq float64
		for _, v := range values {
			d := float64(v) - mean
			sumSq += d * d
		}
		std := math.Sqrt(sumSq / float64(len(values)))
		scale := 1 / (std + samplewiseEpsilon)
		for ii, v := range values {
			values[ii] = float32(float64(v) * scale)
		}
	}
}
