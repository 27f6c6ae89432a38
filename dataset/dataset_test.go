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
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gender/labels"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeImage creates a png file filled with the given gray level.
func writeImage(t *testing.T, imgPath string, width, height int, gray uint8) {
	require.NoError(t, os.MkdirAll(filepath.Dir(imgPath), 0o755))
	img := imaging.New(width, height, color.NRGBA{R: gray, G: gray, B: gray, A: 255})
	require.NoError(t, imaging.Save(img, imgPath))
}

// writeDataset creates numExamples images alternating labels "F" and "M", and an index file for them.
func writeDataset(t *testing.T, numExamples int) (indexPath string) {
	dir := t.TempDir()
	indexPath = filepath.Join(dir, "train.txt")
	contents := "# path label\n\n"
	for ii := range numExamples {
		label := labels.GenderClasses[ii%2]
		name := fmt.Sprintf("img %03d.png", ii)
		writeImage(t, filepath.Join(dir, "images", name), 20+ii, 10+ii, uint8(10*ii))
		contents += fmt.Sprintf("images/%s %s\n", name, label)
	}
	require.NoError(t, os.WriteFile(indexPath, []byte(contents), 0o644))
	return
}

func TestReadIndex(t *testing.T) {
	dir := t.TempDir()
	indexPath := filepath.Join(dir, "index.txt")
	contents := "# comment\n" +
		"a.jpg F\n" +
		"\n" +
		"sub dir/b c.jpg\tM\n" +
		"/abs/d.png,F\n" +
		"smith,john/img 1.jpg F\n" +
		"e.jpg, M\n"
	require.NoError(t, os.WriteFile(indexPath, []byte(contents), 0o644))
	entries, err := ReadIndex(indexPath)
	require.NoError(t, err)
	assert.Equal(t, []Entry{
		{Path: filepath.Join(dir, "a.jpg"), Label: "F"},
		{Path: filepath.Join(dir, "sub dir/b c.jpg"), Label: "M"},
		{Path: "/abs/d.png", Label: "F"},
		{Path: filepath.Join(dir, "smith,john/img 1.jpg"), Label: "F"},
		{Path: filepath.Join(dir, "e.jpg"), Label: "M"},
	}, entries)
	assert.Equal(t, []string{"F", "M", "F", "F", "M"}, Labels(entries))

	require.NoError(t, os.WriteFile(indexPath, []byte("a.jpg F\nlonely\n"), 0o644))
	_, err = ReadIndex(indexPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ":2:")

	_, err = ReadIndex(filepath.Join(dir, "missing.txt"))
	require.Error(t, err)
}

func TestReadLabels(t *testing.T) {
	labelsPath := filepath.Join(t.TempDir(), "labels.txt")
	require.NoError(t, os.WriteFile(labelsPath, []byte("M\n# comment\n\nF \n"), 0o644))
	values, err := ReadLabels(labelsPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"M", "F"}, values)
}

func TestFromDirectory(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, filepath.Join(dir, "M", "1.png"), 8, 8, 0)
	writeImage(t, filepath.Join(dir, "F", "2.png"), 8, 8, 0)
	writeImage(t, filepath.Join(dir, "F", "3.png"), 8, 8, 0)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "F", "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".cache"), 0o755))

	entries, classes, err := FromDirectory(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"F", "M"}, classes)
	assert.Equal(t, []string{"F", "F", "M"}, Labels(entries))
	assert.Equal(t, filepath.Join(dir, "F", "2.png"), entries[0].Path)

	emptyDir := t.TempDir()
	_, _, err = FromDirectory(emptyDir)
	require.Error(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(emptyDir, "F"), 0o755))
	_, _, err = FromDirectory(emptyDir)
	require.Error(t, err)
}

func TestLoadData(t *testing.T) {
	indexPath := writeDataset(t, 3)
	images, values, err := LoadData(indexPath, 16, 12, false)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 12, 16, 3}, images.Shape().Dimensions)
	assert.Equal(t, []string{"F", "M", "F"}, values)
	flat := tensors.MustCopyFlatData[float32](images)
	for _, v := range flat {
		require.True(t, v >= 0 && v <= 1, "value %f out of [0, 1]", v)
	}
}

func TestAugmentation(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	img := imaging.New(20, 10, color.NRGBA{R: 200, A: 255})

	var zero Augmentation
	assert.True(t, zero.IsZero())
	assert.Equal(t, image.Image(img), zero.Apply(img, rng))

	aug := Augmentation{
		HorizontalFlip:   true,
		VerticalFlip:     true,
		RotationRange:    20,
		WidthShiftRange:  0.2,
		HeightShiftRange: 0.2,
	}
	assert.True(t, aug.IsGeometric())
	assert.False(t, aug.IsSamplewise())
	for range 10 {
		got := aug.Apply(img, rng)
		assert.Equal(t, img.Bounds().Size(), got.Bounds().Size())
	}
}

func TestNormalizeSamples(t *testing.T) {
	flat := []float32{1, 2, 3, 4, 10, 10, 20, 20}
	aug := Augmentation{SamplewiseCenter: true, SamplewiseStdNormalization: true}
	aug.NormalizeSamples(flat, 2)
	for ii := range 2 {
		sample := flat[ii*4 : (ii+1)*4]
		var sum, sumSq float64
		for _, v := range sample {
			sum += float64(v)
			sumSq += float64(v) * float64(v)
		}
		assert.InDelta(t, 0.0, sum/4, 1e-5)
		assert.InDelta(t, 1.0, math.Sqrt(sumSq/4), 1e-4)
	}

	centerOnly := []float32{1, 3}
	Augmentation{SamplewiseCenter: true}.NormalizeSamples(centerOnly, 1)
	assert.Equal(t, []float32{-1, 1}, centerOnly)
}

func TestGenerator(t *testing.T) {
	indexPath := writeDataset(t, 5)
	entries, err := ReadIndex(indexPath)
	require.NoError(t, err)
	encoder := labels.NewGenderEncoder()

	t.Run("Finite", func(t *testing.T) {
		gen, err := NewGenerator("finite", entries, encoder, 2, 8, 6, 2)
		require.NoError(t, err)
		var batchSizes []int
		for {
			_, inputs, labelsT, err := gen.Yield()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			require.Len(t, inputs, 1)
			require.Len(t, labelsT, 1)
			dims := inputs[0].Shape().Dimensions
			assert.Equal(t, []int{6, 8, 3}, dims[1:])
			assert.Equal(t, []int{dims[0], 2}, labelsT[0].Shape().Dimensions)
			batchSizes = append(batchSizes, dims[0])
		}
		assert.Equal(t, []int{2, 2, 1}, batchSizes)

		// After Reset it starts again.
		gen.Reset()
		_, _, labelsT, err := gen.Yield()
		require.NoError(t, err)
		assert.Equal(t, [][]float32{{1, 0}, {0, 1}}, labelsT[0].Value())
	})

	t.Run("DropIncomplete", func(t *testing.T) {
		gen, err := NewGenerator("drop", entries, encoder, 2, 8, 6, 2)
		require.NoError(t, err)
		gen.DropIncompleteBatch(true)
		count := 0
		for {
			_, _, _, err := gen.Yield()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			count++
		}
		assert.Equal(t, 2, count)
	})

	t.Run("Infinite", func(t *testing.T) {
		gen, err := NewGenerator("infinite", entries, encoder, 2, 8, 6, 3)
		require.NoError(t, err)
		gen.Infinite(true).
			Shuffle(rand.New(rand.NewSource(1))).
			WithAugmentation(Augmentation{HorizontalFlip: true, SamplewiseCenter: true})
		for range 7 {
			_, inputs, _, err := gen.Yield()
			require.NoError(t, err)
			assert.Equal(t, 3, inputs[0].Shape().Dimensions[0])
		}
	})

	t.Run("Concurrent", func(t *testing.T) {
		gen, err := NewGenerator("concurrent", entries, encoder, 2, 8, 6, 1)
		require.NoError(t, err)
		var wg sync.WaitGroup
		var mu sync.Mutex
		count := 0
		for range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					_, _, _, err := gen.Yield()
					if err == io.EOF {
						return
					}
					if !assert.NoError(t, err) {
						return
					}
					mu.Lock()
					count++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 5, count)
	})

	t.Run("Errors", func(t *testing.T) {
		_, err := NewGenerator("empty", nil, encoder, 2, 8, 6, 2)
		require.Error(t, err)
		_, err = NewGenerator("classes", entries, encoder, 3, 8, 6, 2)
		require.Error(t, err)
		unknown := append([]Entry{{Path: "x.png", Label: "X"}}, entries...)
		_, err = NewGenerator("unknown", unknown, encoder, 2, 8, 6, 2)
		require.Error(t, err)
		assert.Contains(t, err.Error(), `"X"`)

		missing := []Entry{{Path: filepath.Join(t.TempDir(), "missing.png"), Label: "F"}}
		gen, err := NewGenerator("missing", missing, encoder, 2, 8, 6, 2)
		require.NoError(t, err)
		_, _, _, err = gen.Yield()
		require.Error(t, err)
		assert.NotEqual(t, io.EOF, err)
	})
}

func TestStepsPerEpoch(t *testing.T) {
	assert.Equal(t, 5, StepsPerEpoch(100, 20))
	assert.Equal(t, 6, StepsPerEpoch(101, 20))
	assert.Equal(t, 1, StepsPerEpoch(3, 20))
	assert.Equal(t, 1, StepsPerEpoch(0, 20))
}
