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
	"sort"

	"github.com/gomlx/gender/models/mobilenet"
	"github.com/gomlx/gender/models/xception"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// ModelsFns maps a model name to its train model function.
// It holds mappings to predefined models, but one can insert new ones.
//
// Models are selected by the "model" hyperparameter.
var ModelsFns = map[string]train.ModelFn{
	"mobilenet": MobileNetModelGraph,
	"xception":  XceptionModelGraph,
}

// SelectModelFn returns the model function configured in ctx.
func SelectModelFn(ctx *context.Context) (train.ModelFn, error) {
	modelType := context.GetParamOr(ctx, ParamModel, "")
	modelFn, found := ModelsFns[modelType]
	if !found {
		names := maps.Keys(ModelsFns)
		sort.Strings(names)
		return nil, errors.Errorf("unknown model type %q: valid values are %q", modelType, names)
	}
	return modelFn, nil
}

// MobileNetModelGraph builds a MobileNet model and returns its logits, shaped `[batch_size, num_classes]`.
// inputs: only one tensor, the images, shaped `[batch_size, height, width, 3]`.
func MobileNetModelGraph(ctx *context.Context, _ any, inputs []*Node) []*Node {
	ctx = ctx.In("model")
	logits := mobilenet.New(ctx, inputs[0]).
		Alpha(context.GetParamOr(ctx, ParamMobileNetAlpha, 1.0)).
		Dropout(context.GetParamOr(ctx, ParamMobileNetDropout, 1e-3)).
		NumClasses(context.GetParamOr(ctx, ParamNumClasses, 2)).
		Done()
	return []*Node{logits}
}

// XceptionModelGraph builds a Xception model and returns its logits, shaped `[batch_size, num_classes]`.
// inputs: only one tensor, the images, shaped `[batch_size, height, width, 3]`.
func XceptionModelGraph(ctx *context.Context, _ any, inputs []*Node) []*Node {
	ctx = ctx.In("model")
	logits := xception.New(ctx, inputs[0]).
		MiddleFlowRepeats(context.GetParamOr(ctx, ParamXceptionMiddleRepeats, xception.DefaultMiddleFlowRepeats)).
		NumClasses(context.GetParamOr(ctx, ParamNumClasses, 2)).
		Done()
	return []*Node{logits}
}
