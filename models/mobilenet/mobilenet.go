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

// Package mobilenet implements the MobileNet (v1) image classification model, from
// "MobileNets: Efficient Convolutional Neural Networks for Mobile Vision Applications", Howard et al., 2017.
//
// Images are expected shaped `[batch_size, height, width, 3]` (channels last), with values in [0, 1].
// Internally they are rescaled to [-1, 1].
//
// Example:
//
//	func ModelGraph(ctx *context.Context, spec any, inputs []*graph.Node) []*graph.Node {
//		logits := mobilenet.New(ctx.In("model"), inputs[0]).Alpha(0.5).NumClasses(2).Done()
//		return []*graph.Node{logits}
//	}
package mobilenet

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
)

const (
	// DefaultImageSize is the image size the model was designed for.
	DefaultImageSize = 224

	// MinimumImageSize accepted: the model reduces the image size 32 times.
	MinimumImageSize = 32

	// BatchNormEpsilon used on all batch normalization layers.
	BatchNormEpsilon = 1e-3
)

// block describes one depthwise-separable block: its pointwise filters (before scaling by alpha) and its stride.
type block struct {
	filters, stride int
}

var blocks = []block{
	{64, 1},
	{128, 2}, {128, 1},
	{256, 2}, {256, 1},
	{512, 2}, {512, 1}, {512, 1}, {512, 1}, {512, 1}, {512, 1},
	{1024, 2}, {1024, 1},
}

// NumBlocks is the number of depthwise-separable blocks of the model.
var NumBlocks = len(blocks)

// Config for a MobileNet model. Created with New, and finalized with Done.
type Config struct {
	ctx             *context.Context
	images          *Node
	alpha           float64
	depthMultiplier int
	numClasses      int
	includeTop      bool
	dropoutRate     float64
}

// New creates a MobileNet model builder, for the given images shaped `[batch_size, height, width, 3]`.
//
// The defaults are alpha=1, depth multiplier=1, 2 classes, including the top (logits), and a dropout rate of 0.001.
// Call Done to build the model.
func New(ctx *context.Context, images *Node) *Config {
	return &Config{
		ctx:             ctx,
		images:          images,
		alpha:           1.0,
		depthMultiplier: 1,
		numClasses:      2,
		includeTop:      true,
		dropoutRate:     1e-3,
	}
}

// Alpha sets the width multiplier: the number of filters of each layer is multiplied by alpha.
// Usual values are 0.25, 0.5, 0.75 and 1.0 (the default).
func (cfg *Config) Alpha(alpha float64) *Config {
	if alpha <= 0 {
		exceptions.Panicf("mobilenet: alpha must be > 0, got %g", alpha)
	}
	cfg.alpha = alpha
	return cfg
}

// DepthMultiplier sets the number of depthwise filters per input channel. Default is 1.
func (cfg *Config) DepthMultiplier(multiplier int) *Config {
	if multiplier < 1 {
		exceptions.Panicf("mobilenet: depth multiplier must be >= 1, got %d", multiplier)
	}
	cfg.depthMultiplier = multiplier
	return cfg
}

// NumClasses sets the number of classes, the size of the logits. Default is 2.
func (cfg *Config) NumClasses(numClasses int) *Config {
	cfg.numClasses = numClasses
	return cfg
}

// IncludeTop sets whether to include the classification layer (the logits). If false, Done returns the
// pooled embeddings instead, shaped `[batch_size, 1024*alpha]`.
func (cfg *Config) IncludeTop(includeTop bool) *Config {
	cfg.includeTop = includeTop
	return cfg
}

// Dropout sets the dropout rate applied to the embeddings before the logits. Set to 0 to disable.
func (cfg *Config) Dropout(rate float64) *Config {
	cfg.dropoutRate = rate
	return cfg
}

func (cfg *Config) scaled(filters int) int {
	return max(1, int(float64(filters)*cfg.alpha))
}

// Done builds the model and returns the logits shaped `[batch_size, numClasses]`, or the embeddings if
// IncludeTop(false) was set.
func (cfg *Config) Done() *Node {
	ctx := cfg.ctx
	x := cfg.images
	x.AssertRank(4)
	batchSize := x.Shape().Dimensions[0]
	height, width := x.Shape().Dimensions[1], x.Shape().Dimensions[2]
	if height < MinimumImageSize || width < MinimumImageSize {
		exceptions.Panicf("mobilenet: images must be at least %dx%d, got %dx%d",
			MinimumImageSize, MinimumImageSize, height, width)
	}
	if cfg.includeTop && cfg.numClasses < 1 {
		exceptions.Panicf("mobilenet: NumClasses must be >= 1, got %d", cfg.numClasses)
	}

	// Rescale from [0, 1] to [-1, 1].
	x = AddScalar(MulScalar(x, 2), -1)

	x = layers.Convolution(ctx.In("conv1"), x).Channels(cfg.scaled(32)).KernelSize(3).Strides(2).
		PadSame().UseBias(false).Done()
	x = batchNorm(ctx.In("conv1_bn"), x)
	x = Relu6(x)

	for blockIdx, b := range blocks {
		blockCtx := ctx.Inf("block_%02d", blockIdx+1)
		x = DepthwiseConv(blockCtx.In("depthwise"), x, 3, b.stride, cfg.depthMultiplier)
		x = batchNorm(blockCtx.In("depthwise_bn"), x)
		x = Relu6(x)
		x = layers.Convolution(blockCtx.In("pointwise"), x).Channels(cfg.scaled(b.filters)).KernelSize(1).
			UseBias(false).Done()
		x = batchNorm(blockCtx.In("pointwise_bn"), x)
		x = Relu6(x)
	}

	// Global average pooling.
	embeddings := ReduceMean(x, 1, 2)
	embeddings.AssertDims(batchSize, cfg.scaled(1024))
	if !cfg.includeTop {
		return embeddings
	}
	if cfg.dropoutRate > 0 {
		rate := Scalar(embeddings.Graph(), embeddings.DType(), cfg.dropoutRate)
		embeddings = layers.DropoutNormalize(ctx.In("dropout"), embeddings, rate, true)
	}
	logits := layers.Dense(ctx.In("logits"), embeddings, true, cfg.numClasses)
	logits.AssertDims(batchSize, cfg.numClasses)
	return logits
}

func batchNorm(ctx *context.Context, x *Node) *Node {
	return batchnorm.New(ctx, x, -1).Epsilon(BatchNormEpsilon).Done()
}

// Relu6 returns `min(max(x, 0), 6)`.
func Relu6(x *Node) *Node {
	return ClipScalar(x, 0, 6)
}

// DepthwiseConv applies a separate kernelSize x kernelSize filter to each input channel (or depthMultiplier
// filters per channel), with "same" padding. The input is shaped `[batch_size, height, width, channels]`,
// and the output `[batch_size, ceil(height/stride), ceil(width/stride), channels*depthMultiplier]`.
//
// It creates the variable "weights" shaped `[kernelSize, kernelSize, channels*depthMultiplier]` in ctx.
//
// It is written with slices of the padded input, one per kernel position, so it only uses differentiable
// operations.
func DepthwiseConv(ctx *context.Context, x *Node, kernelSize, stride, depthMultiplier int) *Node {
	x.AssertRank(4)
	g := x.Graph()
	dtype := x.DType()
	dims := x.Shape().Dimensions
	batchSize, height, width, channels := dims[0], dims[1], dims[2], dims[3]
	if depthMultiplier > 1 {
		// Repeat each channel depthMultiplier times: [c0, c0, c1, c1, ...].
		x = InsertAxes(x, -1)
		x = BroadcastToDims(x, batchSize, height, width, channels, depthMultiplier)
		channels *= depthMultiplier
		x = Reshape(x, batchSize, height, width, channels)
	}

	outHeight, padTop, padBottom := samePadding(height, kernelSize, stride)
	outWidth, padLeft, padRight := samePadding(width, kernelSize, stride)
	if padTop+padBottom+padLeft+padRight > 0 {
		x = Pad(x, ScalarZero(g, dtype),
			PadAxis{}, PadAxis{Start: padTop, End: padBottom}, PadAxis{Start: padLeft, End: padRight}, PadAxis{})
	}

	kernelVar := ctx.VariableWithShape("weights", shapes.Make(dtype, kernelSize, kernelSize, channels))
	kernel := kernelVar.ValueGraph(g)
	var output *Node
	for dy := range kernelSize {
		for dx := range kernelSize {
			patch := Slice(x,
				AxisRange(),
				AxisRange(dy, dy+(outHeight-1)*stride+1).Stride(stride),
				AxisRange(dx, dx+(outWidth-1)*stride+1).Stride(stride),
				AxisRange())
			weight := Reshape(Slice(kernel, AxisElem(dy), AxisElem(dx)), 1, 1, 1, channels)
			term := Mul(patch, weight)
			if output == nil {
				output = term
			} else {
				output = Add(output, term)
			}
		}
	}
	output.AssertDims(batchSize, outHeight, outWidth, channels)
	return output
}

// samePadding returns the output size and the padding before and after for a "same" padded convolution.
func samePadding(size, kernelSize, stride int) (outSize, before, after int) {
	outSize = (size + stride - 1) / stride
	total := max((outSize-1)*stride+kernelSize-size, 0)
	before = total / 2
	after = total - before
	return
}
