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

// Package labels converts string class labels to integer ids and to one-hot ("categorical") vectors.
//
// The Encoder is fit on a set of values: its classes are the sorted unique values, and the id of a label
// is its position in that sorted list. So for the gender classes ("F", "M"), "F" is 0 and "M" is 1.
package labels

import (
	"slices"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// GenderClasses is the label set used by the gender classifier.
var GenderClasses = []string{"F", "M"}

// Encoder maps string labels to int32 ids and back.
type Encoder struct {
	classes []string
	ids     map[string]int32
}

// NewEncoder creates an Encoder fit on the given values: duplicates are ignored, and the classes are sorted.
func NewEncoder(values ...string) *Encoder {
	classes := slices.Clone(values)
	slices.Sort(classes)
	classes = slices.Compact(classes)
	e := &Encoder{
		classes: classes,
		ids:     make(map[string]int32, len(classes)),
	}
	for ii, c := range classes {
		e.ids[c] = int32(ii)
	}
	return e
}

// NewGenderEncoder returns an Encoder for GenderClasses.
func NewGenderEncoder() *Encoder {
	return NewEncoder(GenderClasses...)
}

// Classes returns a copy of the sorted classes.
func (e *Encoder) Classes() []string {
	return slices.Clone(e.classes)
}

// NumClasses returns the number of distinct classes.
func (e *Encoder) NumClasses() int {
	return len(e.classes)
}

// Has returns whether label is a known class.
func (e *Encoder) Has(label string) bool {
	_, found := e.ids[label]
	return found
}

// Transform converts labels to their ids.
// It fails on the first label that was not seen when the Encoder was fit.
func (e *Encoder) Transform(values []string) ([]int32, error) {
	ids := make([]int32, len(values))
	for ii, v := range values {
		id, found := e.ids[v]
		if !found {
			return nil, errors.Errorf("label %q (index %d) is unknown, known classes are %q", v, ii, e.classes)
		}
		ids[ii] = id
	}
	return ids, nil
}

// InverseTransform converts ids back to labels.
func (e *Encoder) InverseTransform(ids []int32) ([]string, error) {
	values := make([]string, len(ids))
	for ii, id := range ids {
		if id < 0 || int(id) >= len(e.classes) {
			return nil, errors.Errorf("label id %d (index %d) out of range, there are %d classes", id, ii, len(e.classes))
		}
		values[ii] = e.classes[id]
	}
	return values, nil
}

// CheckNumClasses returns an error if the Encoder doesn't have exactly numClasses classes.
func (e *Encoder) CheckNumClasses(numClasses int) error {
	if e.NumClasses() != numClasses {
		return errors.Errorf("label encoder has %d classes %q, but the model is configured for %d classes",
			e.NumClasses(), e.classes, numClasses)
	}
	return nil
}

// ToCategorical converts ids to one-hot rows of numClasses values.
func ToCategorical(ids []int32, numClasses int) ([][]float32, error) {
	if numClasses <= 0 {
		return nil, errors.Errorf("numClasses must be > 0, got %d", numClasses)
	}
	flat := make([]float32, len(ids)*numClasses)
	rows := make([][]float32, len(ids))
	for ii, id := range ids {
		if id < 0 || int(id) >= numClasses {
			return nil, errors.Errorf("label id %d (index %d) is out of range for %d classes", id, ii, numClasses)
		}
		rows[ii] = flat[ii*numClasses : (ii+1)*numClasses]
		rows[ii][id] = 1
	}
	return rows, nil
}

// CategoricalTensor is like ToCategorical, but returns a tensor shaped `[len(ids), numClasses]`.
func CategoricalTensor(ids []int32, numClasses int) (*tensors.Tensor, error) {
	if numClasses <= 0 {
		return nil, errors.Errorf("numClasses must be > 0, got %d", numClasses)
	}
	flat := make([]float32, len(ids)*numClasses)
	for ii, id := range ids {
		if id < 0 || int(id) >= numClasses {
			return nil, errors.Errorf("label id %d (index %d) is out of range for %d classes", id, ii, numClasses)
		}
		flat[ii*numClasses+int(id)] = 1
	}
	return tensors.FromFlatDataAndDimensions(flat, len(ids), numClasses), nil
}
