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
	"path/filepath"

	"github.com/gomlx/gender/snapshots"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Short names of the metrics used by TrainModel.
const (
	movingLossShortName     = "~loss"
	movingAccuracyShortName = "~acc"
)

// EpochEnd holds the metrics at the end of an epoch, the values available to the snapshot name template:
// "model", "epoch" (1-based), "step", "loss", "acc" and, if there is validation data, "val_loss" and "val_acc".
type EpochEnd struct {
	Model      string
	Epoch      int
	GlobalStep int64
	Loss, Acc  float64

	HasValidation   bool
	ValLoss, ValAcc float64
}

// Values returns the values that can be used in the snapshot name template.
func (e EpochEnd) Values() map[string]any {
	values := map[string]any{
		"model": e.Model,
		"epoch": e.Epoch,
		"step":  e.GlobalStep,
		"loss":  e.Loss,
		"acc":   e.Acc,
	}
	if e.HasValidation {
		values["val_loss"] = e.ValLoss
		values["val_acc"] = e.ValAcc
	}
	return values
}

// Metrics other than the loss, as stored in the snapshots manifest.
func (e EpochEnd) Metrics() map[string]float64 {
	metrics := map[string]float64{"acc": e.Acc}
	if e.HasValidation {
		metrics["val_loss"] = e.ValLoss
		metrics["val_acc"] = e.ValAcc
	}
	return metrics
}

func (e EpochEnd) String() string {
	s := fmt.Sprintf("epoch %d (step %d): loss=%.4f acc=%.2f%%", e.Epoch, e.GlobalStep, e.Loss, 100*e.Acc)
	if e.HasValidation {
		s += fmt.Sprintf(" val_loss=%.4f val_acc=%.2f%%", e.ValLoss, 100*e.ValAcc)
	}
	return s
}

// epochCallback runs at the end of every epoch: it evaluates the validation data, saves a checkpoint and a
// snapshot of it named after the template, and records it in the manifest.
type epochCallback struct {
	trainer       *train.Trainer
	model         string
	stepsPerEpoch int
	validation    train.Dataset

	// checkpoint, template and manifest are nil if not saving.
	checkpoint *checkpoints.Handler
	template   *snapshots.Template
	manifest   *snapshots.Manifest

	lossIdx, accIdx int

	// Epochs holds the results of every epoch run so far.
	epochs []EpochEnd
}

func newEpochCallback(trainer *train.Trainer, model string, stepsPerEpoch int, validation train.Dataset,
	checkpoint *checkpoints.Handler, template *snapshots.Template, manifest *snapshots.Manifest) (*epochCallback, error) {
	ec := &epochCallback{
		trainer:       trainer,
		model:         model,
		stepsPerEpoch: stepsPerEpoch,
		validation:    validation,
		checkpoint:    checkpoint,
		template:      template,
		manifest:      manifest,
		lossIdx:       -1,
		accIdx:        -1,
	}
	for ii, m := range trainer.TrainMetrics() {
		switch m.ShortName() {
		case movingLossShortName:
			ec.lossIdx = ii
		case movingAccuracyShortName:
			ec.accIdx = ii
		}
	}
	if ec.lossIdx < 0 || ec.accIdx < 0 {
		return nil, errors.Errorf("trainer is missing the %q or %q train metrics", movingLossShortName,
			movingAccuracyShortName)
	}
	return ec, nil
}

// attachTo registers the callback in the loop.
func (ec *epochCallback) attachTo(loop *train.Loop) {
	loop.OnStep(fmt.Sprintf("epoch end (every %d steps)", ec.stepsPerEpoch), 100, ec.onStep)
}

func (ec *epochCallback) onStep(loop *train.Loop, metrics []*tensors.Tensor) error {
	// LoopStep is the global step just executed.
	stepsDone := loop.LoopStep + 1
	if stepsDone%ec.stepsPerEpoch != 0 {
		return nil
	}
	epochEnd := EpochEnd{
		Model:      ec.model,
		Epoch:      stepsDone / ec.stepsPerEpoch,
		GlobalStep: int64(stepsDone),
		Loss:       shapes.ConvertTo[float64](metrics[ec.lossIdx].Value()),
		Acc:        shapes.ConvertTo[float64](metrics[ec.accIdx].Value()),
	}
	if ec.validation != nil {
		ec.validation.Reset()
		evalMetrics, err := ec.trainer.Eval(ec.validation)
		if err != nil {
			return errors.WithMessagef(err, "evaluating validation data at the end of epoch %d", epochEnd.Epoch)
		}
		epochEnd.HasValidation = true
		epochEnd.ValLoss = shapes.ConvertTo[float64](evalMetrics[0].Value())
		epochEnd.ValAcc = shapes.ConvertTo[float64](evalMetrics[1].Value())
	}
	ec.epochs = append(ec.epochs, epochEnd)
	klog.Infof("%s", epochEnd)
	return ec.saveSnapshot(epochEnd)
}

func (ec *epochCallback) saveSnapshot(epochEnd EpochEnd) error {
	if ec.checkpoint == nil {
		return nil
	}
	if err := ec.checkpoint.Save(); err != nil {
		return err
	}
	if ec.template == nil {
		return nil
	}
	name, err := ec.template.Format(epochEnd.Values())
	if err != nil {
		return err
	}
	snapshot, err := snapshots.Save(ec.checkpoint, filepath.Join(ec.checkpoint.Dir(), name))
	if err != nil {
		return errors.WithMessagef(err, "saving snapshot of epoch %d", epochEnd.Epoch)
	}
	snapshot.Epoch = epochEnd.Epoch
	snapshot.GlobalStep = epochEnd.GlobalStep
	snapshot.Loss = epochEnd.Loss
	snapshot.Metrics = epochEnd.Metrics()
	ec.manifest.Add(snapshot)
	return ec.manifest.Save()
}
