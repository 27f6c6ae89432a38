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
	"math/rand"
	"time"

	"github.com/gomlx/gender/dataset"
	"github.com/gomlx/gender/labels"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Datasets used by TrainModel.
type Datasets struct {
	// Train is infinite, shuffled and augmented (if configured), read in parallel.
	Train train.Dataset

	// TrainEval goes once over the training data, without the geometric augmentation. Used for evaluation
	// and to update the batch normalization averages.
	TrainEval train.Dataset

	// Validation data held in memory, nil if no test index was configured.
	Validation train.Dataset

	// Encoder of the labels: the order of its classes is the order of the model outputs.
	Encoder *labels.Encoder
}

// EvalDatasets returns the datasets to evaluate on: TrainEval and, if available, Validation.
func (d *Datasets) EvalDatasets() []train.Dataset {
	if d.Validation == nil {
		return []train.Dataset{d.TrainEval}
	}
	return []train.Dataset{d.TrainEval, d.Validation}
}

// AugmentationFromContext returns the augmentation configured in ctx, the zero Augmentation if "augment" is false.
func AugmentationFromContext(ctx *context.Context) dataset.Augmentation {
	if !context.GetParamOr(ctx, ParamAugment, false) {
		return dataset.Augmentation{}
	}
	return dataset.Augmentation{
		HorizontalFlip:             context.GetParamOr(ctx, ParamAugmentHorizontalFlip, false),
		VerticalFlip:               context.GetParamOr(ctx, ParamAugmentVerticalFlip, false),
		RotationRange:              context.GetParamOr(ctx, ParamAugmentRotationRange, 0.0),
		WidthShiftRange:            context.GetParamOr(ctx, ParamAugmentWidthShiftRange, 0.0),
		HeightShiftRange:           context.GetParamOr(ctx, ParamAugmentHeightShiftRange, 0.0),
		SamplewiseCenter:           context.GetParamOr(ctx, ParamAugmentSamplewiseCenter, false),
		SamplewiseStdNormalization: context.GetParamOr(ctx, ParamAugmentSamplewiseStd, false),
	}
}

// Normalization returns only the samplewise normalization of the augmentation configured in ctx.
// It is applied to every image given to the model: for training, evaluation and inference.
func Normalization(ctx *context.Context) dataset.Augmentation {
	aug := AugmentationFromContext(ctx)
	return dataset.Augmentation{
		SamplewiseCenter:           aug.SamplewiseCenter,
		SamplewiseStdNormalization: aug.SamplewiseStdNormalization,
	}
}

// EvalBatchSize returns the batch size used for evaluation.
func EvalBatchSize(ctx *context.Context) int {
	batchSize := context.GetParamOr(ctx, ParamEvalBatchSize, 0)
	if batchSize <= 0 {
		batchSize = context.GetParamOr(ctx, ParamBatchSize, 20)
	}
	return batchSize
}

// CreateEncoder returns the labels encoder for the configuration: fitted on the labels file if one is given,
// otherwise the directory classes (if given), otherwise the gender classes.
func CreateEncoder(config Config, dirClasses []string) (*labels.Encoder, error) {
	if config.LabelsFile != "" {
		values, err := dataset.ReadLabels(config.LabelsFile)
		if err != nil {
			return nil, err
		}
		if len(values) == 0 {
			return nil, errors.Errorf("labels file %q has no labels", config.LabelsFile)
		}
		return labels.NewEncoder(values...), nil
	}
	if len(dirClasses) > 0 {
		return labels.NewEncoder(dirClasses...), nil
	}
	return labels.NewGenderEncoder(), nil
}

// CreateDatasets creates the training and evaluation datasets for the configuration.
//
// In index mode (config.TrainIndex set) the training images are listed in the index file. Otherwise,
// in directory mode, the images are read from the sub-directories of config.ImagesDir, one per class.
// In both cases, the validation data is read from config.TestIndex, if it is set.
func CreateDatasets(backend backends.Backend, ctx *context.Context, config Config) (*Datasets, error) {
	var (
		entries    []dataset.Entry
		dirClasses []string
		err        error
	)
	if config.TrainIndex != "" {
		entries, err = dataset.ReadIndex(config.TrainIndex)
	} else if config.ImagesDir != "" {
		entries, dirClasses, err = dataset.FromDirectory(config.ImagesDir)
	} else {
		err = errors.New("no training data: either a training index or an images directory must be given")
	}
	if err != nil {
		return nil, err
	}
	encoder, err := CreateEncoder(config, dirClasses)
	if err != nil {
		return nil, err
	}
	numClasses := context.GetParamOr(ctx, ParamNumClasses, 2)
	if err = encoder.CheckNumClasses(numClasses); err != nil {
		return nil, errors.WithMessagef(err, "hyperparameter %q", ParamNumClasses)
	}

	imageSize := ImageSize(ctx)
	batchSize := context.GetParamOr(ctx, ParamBatchSize, 20)
	evalBatchSize := EvalBatchSize(ctx)
	aug := AugmentationFromContext(ctx)
	normalization := Normalization(ctx)
	klog.V(1).Infof("training with %d images of %dx%d, classes %q, augmentation %+v",
		len(entries), imageSize, imageSize, encoder.Classes(), aug)

	trainGen, err := dataset.NewGenerator("train", entries, encoder, numClasses, imageSize, imageSize, batchSize)
	if err != nil {
		return nil, err
	}
	trainGen.Infinite(true).
		Shuffle(rand.New(rand.NewSource(time.Now().UnixNano()))).
		WithAugmentation(aug)
	trainEval, err := dataset.NewGenerator("train-eval", entries, encoder, numClasses, imageSize, imageSize, evalBatchSize)
	if err != nil {
		return nil, err
	}
	trainEval.WithAugmentation(normalization)
	ds := &Datasets{
		Train: datasets.CustomParallel(trainGen).
			Parallelism(context.GetParamOr(ctx, ParamParallelism, 0)).
			Buffer(context.GetParamOr(ctx, ParamBuffer, 4)).
			Start(),
		TrainEval: trainEval,
		Encoder:   encoder,
	}

	if config.TestIndex != "" {
		ds.Validation, err = loadValidation(backend, config.TestIndex, encoder, numClasses, imageSize, evalBatchSize,
			normalization)
		if err != nil {
			return nil, err
		}
	}
	return ds, nil
}

// loadValidation reads all validation images into an in-memory dataset.
func loadValidation(backend backends.Backend, indexPath string, encoder *labels.Encoder,
	numClasses, imageSize, batchSize int, normalization dataset.Augmentation) (train.Dataset, error) {
	images, values, err := dataset.LoadData(indexPath, imageSize, imageSize, klog.V(1).Enabled())
	if err != nil {
		return nil, err
	}
	ids, err := encoder.Transform(values)
	if err != nil {
		return nil, errors.WithMessagef(err, "validation data %q", indexPath)
	}
	oneHot, err := labels.CategoricalTensor(ids, numClasses)
	if err != nil {
		return nil, err
	}
	if normalization.IsSamplewise() {
		tensors.MustMutableFlatData[float32](images, func(flat []float32) {
			normalization.NormalizeSamples(flat, len(ids))
		})
	}
	mds, err := datasets.InMemoryFromData(backend, "validation", []any{images}, []any{oneHot})
	if err != nil {
		return nil, errors.WithMessagef(err, "validation data %q", indexPath)
	}
	return mds.BatchSize(batchSize, false), nil
}
