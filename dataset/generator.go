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
	"io"
	"math/rand"
	"sync"

	"github.com/gomlx/gender/labels"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

// Generator reads images from disk and yields batches of `[images, one-hot labels]`.
// It implements train.Dataset, and it is safe to call Yield concurrently, so it can be
// wrapped with datasets.CustomParallel.
type Generator struct {
	name          string
	entries       []Entry
	ids           []int32
	numClasses    int
	width, height int
	batchSize     int

	infinite, dropIncomplete bool
	augmentation             Augmentation

	mu      sync.Mutex
	shuffle *rand.Rand
	augRng  *rand.Rand
	order   []int
	next    int
}

// Assert Generator is a train.Dataset.
var _ train.Dataset = (*Generator)(nil)

// NewGenerator creates a Generator over the entries, resizing images to width x height.
//
// All labels are encoded with encoder upfront, so unknown labels are reported here, and not in the middle of training.
// By default, the Generator is finite (see Infinite), doesn't shuffle and doesn't augment.
func NewGenerator(name string, entries []Entry, encoder *labels.Encoder, numClasses, width, height, batchSize int) (*Generator, error) {
	if len(entries) == 0 {
		return nil, errors.Errorf("dataset %q has no entries", name)
	}
	if batchSize <= 0 {
		return nil, errors.Errorf("dataset %q: batch size must be > 0, got %d", name, batchSize)
	}
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("dataset %q: invalid image size %dx%d", name, width, height)
	}
	if err := encoder.CheckNumClasses(numClasses); err != nil {
		return nil, errors.WithMessagef(err, "dataset %q", name)
	}
	ids, err := encoder.Transform(Labels(entries))
	if err != nil {
		return nil, errors.WithMessagef(err, "dataset %q", name)
	}
	g := &Generator{
		name:       name,
		entries:    entries,
		ids:        ids,
		numClasses: numClasses,
		width:      width,
		height:     height,
		batchSize:  batchSize,
		augRng:     rand.New(rand.NewSource(rand.Int63())),
	}
	g.Reset()
	return g, nil
}

// Infinite sets whether the Generator loops over the data forever. It is used for training,
// where the number of steps is given by the training loop.
//
// It returns the Generator, so configuration calls can be cascaded.
func (g *Generator) Infinite(infinite bool) *Generator {
	g.infinite = infinite
	return g
}

// Shuffle the order of the entries at every pass, using rng.
//
// It returns the Generator, so configuration calls can be cascaded.
func (g *Generator) Shuffle(rng *rand.Rand) *Generator {
	g.mu.Lock()
	g.shuffle = rng
	g.augRng = rand.New(rand.NewSource(rng.Int63()))
	g.mu.Unlock()
	g.Reset()
	return g
}

// WithAugmentation sets the augmentation applied to every yielded image.
//
// It returns the Generator, so configuration calls can be cascaded.
func (g *Generator) WithAugmentation(aug Augmentation) *Generator {
	g.augmentation = aug
	return g
}

// DropIncompleteBatch sets whether the last batch of a pass is dropped if it is not full.
// Only used if the Generator is not infinite.
//
// It returns the Generator, so configuration calls can be cascaded.
func (g *Generator) DropIncompleteBatch(drop bool) *Generator {
	g.dropIncomplete = drop
	return g
}

// Name implements train.Dataset.
func (g *Generator) Name() string { return g.name }

// Len returns the number of entries.
func (g *Generator) Len() int { return len(g.entries) }

// BatchSize returns the configured batch size.
func (g *Generator) BatchSize() int { return g.batchSize }

// Reset implements train.Dataset. It starts a new pass over the data, reshuffling it if configured.
func (g *Generator) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resetLocked()
}

func (g *Generator) resetLocked() {
	if g.order == nil {
		g.order = make([]int, len(g.entries))
	}
	for ii := range g.order {
		g.order[ii] = ii
	}
	if g.shuffle != nil {
		g.shuffle.Shuffle(len(g.order), func(i, j int) { g.order[i], g.order[j] = g.order[j], g.order[i] })
	}
	g.next = 0
}

// nextIndices selects the entries of the next batch, along with a seed for their augmentation.
func (g *Generator) nextIndices() (indices []int, seed int64, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	seed = g.augRng.Int63()
	if g.infinite {
		indices = make([]int, g.batchSize)
		for ii := range indices {
			if g.next >= len(g.order) {
				g.resetLocked()
			}
			indices[ii] = g.order[g.next]
			g.next++
		}
		return
	}
	remaining := len(g.order) - g.next
	if remaining <= 0 || (g.dropIncomplete && remaining < g.batchSize) {
		err = io.EOF
		return
	}
	n := min(remaining, g.batchSize)
	indices = make([]int, n)
	copy(indices, g.order[g.next:g.next+n])
	g.next += n
	return
}

// YieldImages returns the next batch as images, already resized and augmented, and their label ids.
func (g *Generator) YieldImages() (images []image.Image, ids []int32, err error) {
	indices, seed, err := g.nextIndices()
	if err != nil {
		return
	}
	rng := rand.New(rand.NewSource(seed))
	images = make([]image.Image, len(indices))
	ids = make([]int32, len(indices))
	for ii, idx := range indices {
		entry := g.entries[idx]
		var img image.Image
		img, err = LoadImage(entry.Path, g.width, g.height)
		if err != nil {
			err = errors.WithMessagef(err, "dataset %q", g.name)
			return
		}
		images[ii] = g.augmentation.Apply(img, rng)
		ids[ii] = g.ids[idx]
	}
	return
}

// Yield implements train.Dataset. It returns:
//
//   - spec: nil.
//   - inputs: the images batch, shaped `[batch_size, height, width, 3]`, float32 with values in [0, 1]
//     (or normalized, if samplewise normalization is configured).
//   - labels: the one-hot labels, shaped `[batch_size, numClasses]`, float32.
//
// A finite Generator returns io.EOF at the end of the pass.
func (g *Generator) Yield() (spec any, inputs, labelsT []*tensors.Tensor, err error) {
	images, ids, err := g.YieldImages()
	if err != nil {
		return
	}
	imagesT := ToTensor(images)
	if g.augmentation.IsSamplewise() {
		tensors.MustMutableFlatData[float32](imagesT, func(flat []float32) {
			g.augmentation.NormalizeSamples(flat, len(images))
		})
	}
	oneHot, err := labels.CategoricalTensor(ids, g.numClasses)
	if err != nil {
		return
	}
	inputs = []*tensors.Tensor{imagesT}
	labelsT = []*tensors.Tensor{oneHot}
	return
}

// StepsPerEpoch returns the number of batches needed to cover dataSize examples, at least 1.
func StepsPerEpoch(dataSize, batchSize int) int {
	if batchSize <= 0 || dataSize <= 0 {
		return 1
	}
	return max(1, (dataSize+batchSize-1)/batchSize)
}
