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

// Package classifier serves a model trained with gender.TrainModel.
// It loads the saved model and offers a Classify method that will classify any image,
// by first resizing it to the model's input size.
//
// To use it, create a Classifier with New(), and then simply call its Classify method.
package classifier

import (
	"image"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gender/dataset"
	"github.com/gomlx/gender/gender"
	"github.com/gomlx/gender/labels"
	"github.com/gomlx/gender/snapshots"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Classifier holds the model compiled.
type Classifier struct {
	backend backends.Backend

	// ctx with the model's weights.
	ctx *context.Context

	// exec is used to execute the model with a context: it returns the probabilities of each class.
	exec *context.Exec

	info          Info
	normalization dataset.Augmentation
}

// Info describes the loaded model.
type Info struct {
	Dir        string   `json:"dir"`
	Model      string   `json:"model"`
	Classes    []string `json:"classes"`
	ImageSize  int      `json:"image_size"`
	GlobalStep int64    `json:"global_step"`
}

// Prediction for one image.
type Prediction struct {
	// Label of the most likely class, and its Index in the model outputs.
	Label string `json:"label"`
	Index int    `json:"index"`

	// Probabilities of each class, in the order of Info.Classes.
	Probabilities []float32 `json:"probabilities"`
}

// New loads the model saved in modelDir (a checkpoint directory) and compiles it.
//
// All hyperparameters are read from the checkpoint as well, so it will build the same model.
func New(backend backends.Backend, modelDir string) (*Classifier, error) {
	list, err := snapshots.ListCheckpoints(modelDir)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, errors.Errorf("no saved model found in %q", modelDir)
	}
	c := &Classifier{
		backend: backend,
		ctx:     context.New(),
	}
	// We don't need to keep the checkpoint handler around, since we are not going to use it to save.
	_, err = checkpoints.Load(c.ctx).Dir(modelDir).Immediate().Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed while loading model from %q", modelDir)
	}
	modelFn, err := gender.SelectModelFn(c.ctx)
	if err != nil {
		return nil, errors.WithMessagef(err, "cannot build model from checkpoint %q, invalid model type", modelDir)
	}

	c.info = Info{
		Dir:        modelDir,
		Model:      context.GetParamOr(c.ctx, gender.ParamModel, ""),
		Classes:    gender.Classes(c.ctx),
		ImageSize:  gender.ImageSize(c.ctx),
		GlobalStep: optimizers.GetGlobalStep(c.ctx),
	}
	numClasses := context.GetParamOr(c.ctx, gender.ParamNumClasses, 0)
	if len(c.info.Classes) == 0 && numClasses == len(labels.GenderClasses) {
		klog.Warningf("model in %q has no %q saved, assuming %q", modelDir, gender.ParamClasses, labels.GenderClasses)
		c.info.Classes = labels.GenderClasses
	}
	if len(c.info.Classes) != numClasses {
		return nil, errors.Errorf("model in %q has %d classes, but %q lists %q", modelDir, numClasses,
			gender.ParamClasses, c.info.Classes)
	}
	c.normalization = gender.Normalization(c.ctx)

	// Mark it to reuse variables: it will be an error to create a new variable.
	c.ctx = c.ctx.Reuse()
	c.exec, err = context.NewExec(backend, c.ctx, func(ctx *context.Context, images *Node) *Node {
		logits := modelFn(ctx, nil, []*Node{images})[0]
		return Softmax(logits, -1)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to compile model from %q", modelDir)
	}
	return c, nil
}

// Info returns the description of the loaded model.
func (c *Classifier) Info() Info { return c.info }

// Classify resizes the image to the model's input size, and returns the prediction.
func (c *Classifier) Classify(img image.Image) (Prediction, error) {
	predictions, err := c.ClassifyBatch([]image.Image{img})
	if err != nil {
		return Prediction{}, err
	}
	return predictions[0], nil
}

// ClassifyBatch classifies the images in one call to the model.
func (c *Classifier) ClassifyBatch(images []image.Image) ([]Prediction, error) {
	if len(images) == 0 {
		return nil, nil
	}
	resized := make([]image.Image, len(images))
	for ii, img := range images {
		if img == nil {
			return nil, errors.Errorf("image #%d is nil", ii)
		}
		resized[ii] = dataset.Resize(img, c.info.ImageSize, c.info.ImageSize)
	}
	input := dataset.ToTensor(resized)
	if c.normalization.IsSamplewise() {
		tensors.MustMutableFlatData[float32](input, func(flat []float32) {
			c.normalization.NormalizeSamples(flat, len(resized))
		})
	}
	var probabilities *tensors.Tensor
	err := exceptions.TryCatch[error](func() { probabilities = c.exec.MustExec1(input) })
	if err != nil {
		return nil, errors.WithMessage(err, "failed to execute model")
	}
	numClasses := len(c.info.Classes)
	flat := tensors.MustCopyFlatData[float32](probabilities)
	predictions := make([]Prediction, len(images))
	for ii := range predictions {
		p := Prediction{Probabilities: flat[ii*numClasses : (ii+1)*numClasses]}
		for classIdx, prob := range p.Probabilities {
			if prob > p.Probabilities[p.Index] {
				p.Index = classIdx
			}
		}
		p.Label = c.info.Classes[p.Index]
		predictions[ii] = p
	}
	return predictions, nil
}
