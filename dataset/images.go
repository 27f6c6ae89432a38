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
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// LoadImage decodes the image file and resizes it to width x height.
// The aspect ratio is not preserved.
func LoadImage(imgPath string, width, height int) (image.Image, error) {
	img, err := imaging.Open(imgPath, imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode image %q", imgPath)
	}
	return Resize(img, width, height), nil
}

// Resize img to width x height, if it is not of that size already.
func Resize(img image.Image, width, height int) image.Image {
	size := img.Bounds().Size()
	if size.X == width && size.Y == height {
		return img
	}
	return imaging.Resize(img, width, height, imaging.Lanczos)
}

// ToTensor converts resized images to a float32 tensor shaped `[len(images), height, width, 3]`,
// with values in [0, 1].
func ToTensor(images []image.Image) *tensors.Tensor {
	return timage.ToTensor(dtypes.Float32).Batch(images)
}

// LoadData loads all images listed in the index file into one tensor shaped `[n, height, width, 3]`,
// and returns it along with the labels.
//
// It is used for validation data, that fits in memory. If verbose, it displays a progress bar.
func LoadData(indexPath string, width, height int, verbose bool) (images *tensors.Tensor, labels []string, err error) {
	entries, err := ReadIndex(indexPath)
	if err != nil {
		return
	}
	if len(entries) == 0 {
		err = errors.Errorf("dataset index %q has no entries", indexPath)
		return
	}
	images, err = LoadEntries(entries, width, height, verbose)
	if err != nil {
		return nil, nil, err
	}
	labels = Labels(entries)
	return
}

// LoadEntries loads the images of the entries into one tensor shaped `[len(entries), height, width, 3]`.
func LoadEntries(entries []Entry, width, height int, verbose bool) (*tensors.Tensor, error) {
	var bar *progressbar.ProgressBar
	if verbose {
		bar = progressbar.Default(int64(len(entries)), "loading images")
	}
	imgs := make([]image.Image, len(entries))
	for ii, entry := range entries {
		img, err := LoadImage(entry.Path, width, height)
		if err != nil {
			return nil, err
		}
		imgs[ii] = img
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}
	klog.V(1).Infof("loaded %d images of %dx%d", len(imgs), width, height)
	return ToTensor(imgs), nil
}
