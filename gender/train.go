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
	"strings"
	"time"

	"github.com/gomlx/gender/snapshots"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gomlx/ui/gonb/plotly"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CheckpointPeriod is the time between checkpoints saved during training, on top of the ones saved at
// the end of every epoch.
var CheckpointPeriod = 3 * time.Minute

// TrainModel trains the model configured in ctx with the data in config.
//
// If config.CheckpointDir already holds a checkpoint, training continues from it, up to
// `epochs * steps_per_epoch` global steps. Otherwise, if config.PretrainedDir is given, training starts
// from the pretrained model weights (and hyperparameters), with the global step reset to 0.
//
// paramsSet are the hyperparameters set on the command line: they are not overwritten by the values
// saved in the checkpoints.
//
// If runEval is true, it prints an evaluation of the train and validation datasets at the end.
func TrainModel(backend backends.Backend, ctx *context.Context, config Config, runEval bool, paramsSet []string) error {
	config, err := config.Resolve()
	if err != nil {
		return err
	}
	if err = config.Validate(); err != nil {
		return err
	}

	// Checkpoint: it loads if already exists, and it will save as we train.
	checkpointDir := config.CheckpointDir
	if checkpointDir == "" {
		checkpointDir = config.FinalModelDir
	}
	var checkpoint *checkpoints.Handler
	if checkpointDir != "" {
		if err = ensureDir(checkpointDir); err != nil {
			return err
		}
		checkpoint, err = checkpoints.Build(ctx).
			Dir(checkpointDir).
			ExcludeParams(append(paramsSet, ParamsExcludedFromSaving...)...).
			Keep(context.GetParamOr(ctx, ParamNumCheckpoints, 3)).
			Done()
		if err != nil {
			return errors.WithMessagef(err, "failed to open checkpoint in %q", checkpointDir)
		}
	} else {
		klog.Warning("no checkpoint or final model directory given: the trained model won't be saved")
	}

	restored := false
	if checkpoint != nil {
		restored, err = checkpoint.HasCheckpoints()
		if err != nil {
			return err
		}
	}
	if restored {
		fmt.Printf("Continuing training from %q (global_step=%d)\n", checkpointDir, optimizers.GetGlobalStep(ctx))
	} else if config.PretrainedDir != "" {
		if err = loadPretrained(ctx, config.PretrainedDir, paramsSet); err != nil {
			return err
		}
		restored = true
	}

	// Select the model type we are using.
	modelFn, err := SelectModelFn(ctx)
	if err != nil {
		return err
	}
	modelType := context.GetParamOr(ctx, ParamModel, "")
	fmt.Printf("Model: %q\n", modelType)

	ds, err := CreateDatasets(backend, ctx, config)
	if err != nil {
		return err
	}
	if err = setClasses(ctx, ds.Encoder.Classes()); err != nil {
		return err
	}

	var (
		template *snapshots.Template
		manifest *snapshots.Manifest
	)
	if checkpoint != nil {
		template, err = snapshotTemplate(ctx, ds.Validation != nil)
		if err != nil {
			return err
		}
		manifest, err = snapshots.LoadManifest(checkpointDir)
		if err != nil {
			return err
		}
	}

	// Create a train.Trainer: this object will orchestrate running the model, feeding
	// results to the optimizer, evaluating the metrics, etc. (all happens in trainer.TrainStep)
	meanAccuracyMetric := NewMeanCategoricalAccuracy("Mean Accuracy", "#acc")
	movingAccuracyMetric := NewMovingAverageCategoricalAccuracy("Moving Average Accuracy", movingAccuracyShortName, 0.01)
	trainer := train.NewTrainer(backend, ctx, modelFn,
		losses.CategoricalCrossEntropyLogits,
		optimizers.FromContext(ctx),
		[]metrics.Interface{movingAccuracyMetric}, // trainMetrics
		[]metrics.Interface{meanAccuracyMetric})   // evalMetrics
	if restored {
		trainer.SetContext(ctx.Reuse())
	}

	// Use standard training loop.
	loop := train.NewLoop(trainer)
	commandline.AttachProgressBar(loop) // Attaches a progress bar to the loop.

	stepsPerEpoch := StepsPerEpoch(ctx)
	epochs, err := newEpochCallback(trainer, modelType, stepsPerEpoch, ds.Validation, checkpoint, template, manifest)
	if err != nil {
		return err
	}
	epochs.attachTo(loop)

	if checkpoint != nil {
		train.PeriodicCallback(loop, CheckpointPeriod, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	// Attach Plotly plots: plot points at the end of every epoch.
	// The points generated are saved along the checkpoint directory (if one is given).
	if context.GetParamOr(ctx, ParamPlots, false) {
		_ = plotly.New().
			WithCheckpoint(checkpoint).
			WithDatasets(ds.EvalDatasets()...).
			ScheduleEveryNSteps(loop, stepsPerEpoch).
			WithBatchNormalizationAveragesUpdate(ds.TrainEval)
	}

	// Loop for the given number of epochs.
	numTrainSteps := context.GetParamOr(ctx, ParamEpochs, 0) * stepsPerEpoch
	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep < numTrainSteps {
		if _, err = loop.RunSteps(ds.Train, numTrainSteps-globalStep); err != nil {
			return errors.WithMessage(err, "while training")
		}
		fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
			loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
		ds.TrainEval.Reset()
		updated, err := batchnorm.UpdateAverages(trainer, ds.TrainEval)
		if err != nil {
			return err
		}
		if updated {
			fmt.Println("\tUpdated batch normalization mean/variances averages.")
		}
		if checkpoint != nil {
			if err = checkpoint.Save(); err != nil {
				return err
			}
		}
	} else {
		fmt.Printf("\t - target of %d steps (%d epochs) already reached. To train further, increase %q.\n",
			numTrainSteps, context.GetParamOr(ctx, ParamEpochs, 0), ParamEpochs)
	}
	fmt.Printf("Training done (global_step=%d).\n", optimizers.GetGlobalStep(ctx))

	// Finally, print an evaluation on train and test datasets.
	if runEval {
		for _, evalDS := range ds.EvalDatasets() {
			evalDS.Reset()
		}
		fmt.Println()
		if err = commandline.ReportEval(trainer, ds.EvalDatasets()...); err != nil {
			return err
		}
		fmt.Println()
	}
	return saveFinalModel(checkpoint, config.FinalModelDir)
}

// loadPretrained loads the variables and hyperparameters of the model in dir, and resets the global step,
// so the training counts epochs from the start.
func loadPretrained(ctx *context.Context, dir string, paramsSet []string) error {
	_, err := checkpoints.Load(ctx).
		Dir(dir).
		ExcludeParams(append(paramsSet, ParamsExcludedFromSaving...)...).
		Immediate().
		Done()
	if err != nil {
		return errors.WithMessagef(err, "failed to load pretrained model from %q", dir)
	}
	if err = optimizers.DeleteGlobalStep(ctx); err != nil {
		return err
	}
	fmt.Printf("Starting from pretrained model %q\n", dir)
	return nil
}

// setClasses stores the classes in the context, so they are saved with the model. It fails if the context
// already has different classes (from a restored checkpoint).
func setClasses(ctx *context.Context, classes []string) error {
	joined := strings.Join(classes, ",")
	if previous := context.GetParamOr(ctx, ParamClasses, ""); previous != "" && previous != joined {
		return errors.Errorf("the model was trained with classes %q, but the data has classes %q", previous, joined)
	}
	ctx.SetParam(ParamClasses, joined)
	return nil
}

// Classes returns the class names saved in the context by TrainModel.
func Classes(ctx *context.Context) []string {
	joined := context.GetParamOr(ctx, ParamClasses, "")
	if joined == "" {
		return nil
	}
	return strings.Split(joined, ",")
}

// snapshotTemplate parses the snapshot name template, and checks it can be formatted with the values
// available at the end of an epoch. It returns nil if snapshots are disabled.
func snapshotTemplate(ctx *context.Context, hasValidation bool) (*snapshots.Template, error) {
	raw := context.GetParamOr(ctx, ParamCheckpointTemplate, DefaultCheckpointTemplate)
	if raw == "" {
		return nil, nil
	}
	template, err := snapshots.ParseTemplate(raw)
	if err != nil {
		return nil, errors.WithMessagef(err, "hyperparameter %q", ParamCheckpointTemplate)
	}
	if _, err = template.Format(EpochEnd{HasValidation: hasValidation}.Values()); err != nil {
		return nil, errors.WithMessagef(err, "hyperparameter %q", ParamCheckpointTemplate)
	}
	return template, nil
}

// saveFinalModel copies the latest checkpoint to dir, if it is not the checkpoint directory itself.
func saveFinalModel(checkpoint *checkpoints.Handler, dir string) error {
	if checkpoint == nil || dir == "" {
		return nil
	}
	if has, err := checkpoint.HasCheckpoints(); err != nil {
		return err
	} else if !has {
		if err = checkpoint.Save(); err != nil {
			return err
		}
	}
	if sameDir(checkpoint.Dir(), dir) {
		fmt.Printf("Final model saved to %q\n", dir)
		return nil
	}
	snapshot, err := snapshots.Save(checkpoint, dir)
	if err != nil {
		return errors.WithMessagef(err, "failed to save final model to %q", dir)
	}
	fmt.Printf("Final model (%s) saved to %q\n", snapshot.Checkpoint, dir)
	return nil
}
