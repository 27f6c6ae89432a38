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

// Package xception implements the Xception image classification model, from
// "Xception: Deep Learning with Depthwise Separable Convolutions", François Chollet, 2017.
//
// Images are expected shaped `[batch_size, height, width, 3]` (channels last), with values in [0, 1].
//
// The depthwise convolutions are shared with the mobilenet package.
package xception

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gender/models/mobilenet"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
)

const (
	// DefaultImageSize is the image size the model was designed for.
	DefaultImageSize = 299

	// MinimumImageSize accepted by the model.
	MinimumImageSize = 32

	// DefaultMiddleFlowRepeats is the number of residual blocks in the middle flow.
	DefaultMiddleFlowRepeats = 8

	// EmbeddingSize is the size of the pooled embeddings, before the logits.
	EmbeddingSize = 2048

	// BatchNormEpsilon used on all batch normalization layers.
	BatchNormEpsilon = 1e-3
)

// Config for a Xception model. Created with New, and finalized with Done.
type Config struct {
	ctx               *context.Context
	images            *Node
	numClasses        int
	includeTop        bool
	middleFlowRepeats int
}

// New creates a Xception model builder, for the given images shaped `[batch_size, height, width, 3]`.
// The defaults are 2 classes, including the top (logits), and 8 middle flow repeats.
func New(ctx *context.Context, images *Node) *Config {
	return &Config{
		ctx:               ctx,
		images:            images,
		numClasses:        2,
		includeTop:        true,
		middleFlowRepeats: DefaultMiddleFlowRepeats,
	}
}

// NumClasses sets the number of classes, the size of the logits. Default is 2.
func (cfg *Config) NumClasses(numClasses int) *Config {
	cfg.numClasses = numClasses
	return cfg
}

// IncludeTop sets whether to include the classification layer. If false, Done returns the
// pooled embeddings shaped `[batch_size, EmbeddingSize]`.
func (cfg *Config) IncludeTop(includeTop bool) *Config {
	cfg.includeTop = includeTop
	return cfg
}

// MiddleFlowRepeats sets the number of residual blocks of the middle flow. Default is 8.
func (cfg *Config) MiddleFlowRepeats(repeats int) *Config {
	if repeats < 0 {
		exceptions.Panicf("xception: middle flow repeats must be >= 0, got %d", repeats)
	}
	cfg.middleFlowRepeats = repeats
	return cfg
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
		exceptions.Panicf("xception: images must be at least %dx%d, got %dx%d",
			MinimumImageSize, MinimumImageSize, height, width)
	}
	if cfg.includeTop && cfg.numClasses < 1 {
		exceptions.Panicf("xception: NumClasses must be >= 1, got %d", cfg.numClasses)
	}

	// Rescale from [0, 1] to [-1, 1].
	x = AddScalar(MulScalar(x, 2), -1)

	// Entry flow.
	entryCtx := ctx.In("entry")
	x = layers.Convolution(entryCtx.In("conv1"), x).Channels(32).KernelSize(3).Strides(2).
		NoPadding().UseBias(false).Done()
	x = activations.Relu(batchNorm(entryCtx.In("conv1_bn"), x))
	x = layers.Convolution(entryCtx.In("conv2"), x).Channels(64).KernelSize(3).
		NoPadding().UseBias(false).Done()
	x = activations.Relu(batchNorm(entryCtx.In("conv2_bn"), x))
	for blockIdx, filters := range []int{128, 256, 728} {
		x = downsampleBlock(entryCtx.Inf("block_%d", blockIdx+1), x, filters, filters, blockIdx > 0)
	}

	// Middle flow.
	middleCtx := ctx.In("middle")
	for repeat := range cfg.middleFlowRepeats {
		blockCtx := middleCtx.Inf("block_%02d", repeat+1)
		residual := x
		for sepIdx := range 3 {
			sepCtx := blockCtx.Inf("sepconv_%d", sepIdx+1)
			x = activations.Relu(x)
			x = SeparableConv(sepCtx, x, 728)
			x = batchNorm(sepCtx.In("bn"), x)
		}
		x = Add(x, residual)
	}

	// Exit flow.
	exitCtx := ctx.In("exit")
	x = downsampleBlock(exitCtx.In("block_1"), x, 728, 1024, true)
	x = SeparableConv(exitCtx.In("sepconv_1"), x, 1536)
	x = activations.Relu(batchNorm(exitCtx.In("sepconv_1_bn"), x))
	x = SeparableConv(exitCtx.In("sepconv_2"), x, EmbeddingSize)
	x = activations.Relu(batchNorm(exitCtx.In("sepconv_2_bn"), x))

	embeddings := ReduceMean(x, 1, 2)
	embeddings.AssertDims(batchSize, EmbeddingSize)
	if !cfg.includeTop {
		return embeddings
	}
	logits := layers.Dense(ctx.In("logits"), embeddings, true, cfg.numClasses)
	logits.AssertDims(batchSize, cfg.numClasses)
	return logits
}

// downsampleBlock is a residual block of two separable convolutions followed by a max-pool that halves the
// image size. The shortcut is a strided 1x1 convolution.
func downsampleBlock(ctx *context.Context, x *Node, filters1, filters2 int, preActivation bool) *Node {
	residual := layers.Convolution(ctx.In("shortcut"), x).Channels(filters2).KernelSize(1).Strides(2).
		PadSame().UseBias(false).Done()
	residual = batchNorm(ctx.In("shortcut_bn"), residual)

	if preActivation {
		x = activations.Relu(x)
	}
	x = SeparableConv(ctx.In("sepconv_1"), x, filters1)
	x = batchNorm(ctx.In("sepconv_1_bn"), x)
	x = activations.Relu(x)
	x = SeparableConv(ctx.In("sepconv_2"), x, filters2)
	x = batchNorm(ctx.In("sepconv_2_bn"), x)
	x = MaxPool(x).Window(3).Strides(2).PadSame().Done()
	return Add(x, residual)
}

// SeparableConv is a depthwise 3x3 convolution followed by a pointwise (1x1) convolution to filters channels,
// both without bias and with "same" padding.
func SeparableConv(ctx *context.Context, x *Node, filters int) *Node {
	x = mobilenet.DepthwiseConv(ctx.In("depthwise"), x, 3, 1, 1)
	return layers.Convolution(ctx.In("pointwise"), x).Channels(filters).KernelSize(1).UseBias(false).Done()
}

func batchNorm(ctx *context.Context, x *Node) *Node {
	return batchnorm.New(ctx, x, -1).Epsilon(BatchNormEpsilon).Done()
}
