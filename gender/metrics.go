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

package gender

import (
	"fmt"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gopjrt/dtypes"
)

// CategoricalAccuracyGraph returns the fraction of examples where the argmax of the logits matches the
// argmax of the one-hot labels. Both are shaped `[batch_size, num_classes]`.
func CategoricalAccuracyGraph(_ *context.Context, labels, logits []*Node) *Node {
	if len(labels) != 1 || len(logits) != 1 {
		exceptions.Panicf("CategoricalAccuracyGraph requires one labels and one logits tensor, got %d and %d",
			len(labels), len(logits))
	}
	logits0, labels0 := logits[0], labels[0]
	if !logits0.Shape().Equal(shapes.Make(logits0.DType(), labels0.Shape().Dimensions...)) {
		exceptions.Panicf("logits (%s) and one-hot labels (%s) must have the same dimensions",
			logits0.Shape(), labels0.Shape())
	}
	g := logits0.Graph()
	dtype := logits0.DType()
	correct := ConvertDType(Equal(ArgMax(logits0, -1, dtypes.Int32), ArgMax(labels0, -1, dtypes.Int32)), dtype)
	return Div(ReduceAllSum(correct), Scalar(g, dtype, float64(correct.Shape().Size())))
}

func accuracyPPrint(value *tensors.Tensor) string {
	return fmt.Sprintf("%.2f%%", shapes.ConvertTo[float64](value.Value())*100.0)
}

// NewMeanCategoricalAccuracy returns the mean categorical accuracy metric, used for evaluation.
func NewMeanCategoricalAccuracy(name, shortName string) *metrics.MeanMetric {
	return metrics.NewMeanMetric(name, shortName, metrics.AccuracyMetricType, CategoricalAccuracyGraph, accuracyPPrint)
}

// NewMovingAverageCategoricalAccuracy returns the moving average categorical accuracy metric, used during training.
// A typical value of newExampleWeight is 0.01.
func NewMovingAverageCategoricalAccuracy(name, shortName string, newExampleWeight float64) metrics.Interface {
	return metrics.NewExponentialMovingAverageMetric(name, shortName, metrics.AccuracyMetricType,
		CategoricalAccuracyGraph, accuracyPPrint, newExampleWeight)
}
