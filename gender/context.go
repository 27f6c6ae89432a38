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

// Package gender trains image classifiers of gender (or any other set of classes) from face images, using
// MobileNet or Xception models.
//
// The hyperparameters are kept in a context.Context (see CreateDefaultContext), and the file locations
// in a Config. TrainModel runs the whole process: it builds the datasets, restores an existing or pretrained
// model, trains for the configured number of epochs saving a snapshot of the model at every epoch, and
// saves the final model.
package gender

import (
	"github.com/gomlx/gender/dataset"
	"github.com/gomlx/gender/labels"
	"github.com/gomlx/gender/models/mobilenet"
	"github.com/gomlx/gender/models/xception"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/gonb/plotly"
)

// Hyperparameter names, set in the context.Context.
const (
	// ParamModel is the model type, one of the keys of ModelsFns.
	ParamModel = "model"

	// ParamEpochs is the number of passes over the training data (each of ParamStepsPerEpoch steps).
	ParamEpochs = "epochs"

	// ParamBatchSize for training.
	ParamBatchSize = "batch_size"

	// ParamEvalBatchSize for evaluation. If <= 0, ParamBatchSize is used.
	ParamEvalBatchSize = "eval_batch_size"

	// ParamDataSize is the number of training examples per epoch, used to derive ParamStepsPerEpoch if it is not set.
	ParamDataSize = "data_size"

	// ParamStepsPerEpoch is the number of training steps per epoch. If <= 0, it is `ceil(data_size/batch_size)`.
	ParamStepsPerEpoch = "steps_per_epoch"

	// ParamNumClasses is the number of classes the model predicts. It must match the labels.
	ParamNumClasses = "num_classes"

	// ParamImageSize is the width and height of the images fed to the model.
	// If <= 0, the model's default size is used (224 for MobileNet, 299 for Xception).
	ParamImageSize = "image_size"

	// ParamClasses holds the comma-separated class names, in the order of the model outputs. It is set by
	// TrainModel, so it is saved along with the model checkpoints, and it is used by the classifier.
	ParamClasses = "classes"

	// ParamAugment enables the augmentation of the training images.
	ParamAugment = "augment"

	// Augmentation parameters, used if ParamAugment is true.
	ParamAugmentHorizontalFlip   = "augment_horizontal_flip"
	ParamAugmentVerticalFlip     = "augment_vertical_flip"
	ParamAugmentRotationRange    = "augment_rotation_range"
	ParamAugmentWidthShiftRange  = "augment_width_shift_range"
	ParamAugmentHeightShiftRange = "augment_height_shift_range"
	ParamAugmentSamplewiseCenter = "augment_samplewise_center"
	ParamAugmentSamplewiseStd    = "augment_samplewise_std_normalization"

	// ParamMobileNetAlpha is the width multiplier of the MobileNet model.
	ParamMobileNetAlpha = "mobilenet_alpha"

	// ParamMobileNetDropout is the dropout rate before the MobileNet logits.
	ParamMobileNetDropout = "mobilenet_dropout"

	// ParamXceptionMiddleRepeats is the number of middle flow blocks of the Xception model.
	ParamXceptionMiddleRepeats = "xception_middle_repeats"

	// ParamNumCheckpoints is the number of training checkpoints to keep. Epoch snapshots are kept separately.
	ParamNumCheckpoints = "num_checkpoints"

	// ParamCheckpointTemplate is the template of the name of the snapshot saved at the end of every epoch, see
	// package snapshots. Set to "" to disable epoch snapshots.
	ParamCheckpointTemplate = "checkpoint_template"

	// ParamParallelism is the number of goroutines reading and augmenting training images.
	// If 0, it uses the number of cores.
	ParamParallelism = "parallelism"

	// ParamBuffer is the number of batches read ahead by the parallel reader.
	ParamBuffer = "buffer"
)

var (
	// ParamPlots enables collecting metrics (plot points) at the end of every epoch, saved along the checkpoint.
	ParamPlots = plotly.ParamPlots

	// DefaultCheckpointTemplate names the epoch snapshots, "{model}" is replaced by the model type.
	DefaultCheckpointTemplate = "gender.{model}.{epoch:02d}-{loss:.2f}"

	// ParamsExcludedFromSaving is the list of parameters (see CreateDefaultContext) that shouldn't be saved
	// along on the models checkpoints, and may be overwritten in further training sessions.
	ParamsExcludedFromSaving = []string{
		ParamEpochs, ParamNumCheckpoints, ParamPlots, ParamParallelism, ParamBuffer, ParamCheckpointTemplate,
	}
)

// CreateDefaultContext sets the context with default hyperparameters to use with TrainModel.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.ResetRNGState()
	ctx.SetParams(map[string]any{
		ParamModel:         "mobilenet",
		ParamEpochs:        5,
		ParamBatchSize:     20,
		ParamEvalBatchSize: 0,
		ParamDataSize:      100,
		ParamStepsPerEpoch: 0,
		ParamNumClasses:    len(labels.GenderClasses),
		ParamImageSize:     0,

		ParamNumCheckpoints:     3,
		ParamCheckpointTemplate: DefaultCheckpointTemplate,
		ParamParallelism:        0,
		ParamBuffer:             4,
		ParamPlots:              true,

		optimizers.ParamOptimizer:    "sgd",
		optimizers.ParamLearningRate: 0.01,

		// Image augmentation: only used if "augment" is true.
		ParamAugment:                 false,
		ParamAugmentHorizontalFlip:   true,
		ParamAugmentVerticalFlip:     true,
		ParamAugmentRotationRange:    20.0,
		ParamAugmentWidthShiftRange:  0.2,
		ParamAugmentHeightShiftRange: 0.2,
		ParamAugmentSamplewiseCenter: true,
		ParamAugmentSamplewiseStd:    true,

		ParamMobileNetAlpha:        1.0,
		ParamMobileNetDropout:      1e-3,
		ParamXceptionMiddleRepeats: xception.DefaultMiddleFlowRepeats,
	})
	return ctx
}

// ImageSize returns the size of the images for the model configured in ctx.
func ImageSize(ctx *context.Context) int {
	size := context.GetParamOr(ctx, ParamImageSize, 0)
	if size > 0 {
		return size
	}
	if context.GetParamOr(ctx, ParamModel, "mobilenet") == "xception" {
		return xception.DefaultImageSize
	}
	return mobilenet.DefaultImageSize
}

// StepsPerEpoch returns the number of training steps in one epoch, as configured in ctx.
func StepsPerEpoch(ctx *context.Context) int {
	steps := context.GetParamOr(ctx, ParamStepsPerEpoch, 0)
	if steps > 0 {
		return steps
	}
	return dataset.StepsPerEpoch(context.GetParamOr(ctx, ParamDataSize, 0), context.GetParamOr(ctx, ParamBatchSize, 0))
}
