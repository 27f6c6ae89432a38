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

package mobilenet

import (
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSamePadding(t *testing.T) {
	out, before, after := samePadding(224, 3, 2)
	assert.Equal(t, []int{112, 0, 1}, []int{out, before, after})
	out, before, after = samePadding(7, 3, 1)
	assert.Equal(t, []int{7, 1, 1}, []int{out, before, after})
	out, before, after = samePadding(7, 3, 2)
	assert.Equal(t, []int{4, 1, 1}, []int{out, before, after})
}

func TestDepthwiseConv(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	t.Run("Values", func(t *testing.T) {
		ctx := context.New()
		ones := [][][]float32{
			{{1, 1}, {1, 1}, {1, 1}},
			{{1, 1}, {1, 1}, {1, 1}},
			{{1, 1}, {1, 1}, {1, 1}},
		}
		ctx.In("dw").VariableWithValue("weights", ones)
		gotT := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			x := Ones(g, shapes.Make(dtypes.F32, 1, 4, 4, 2))
			return DepthwiseConv(ctx.Reuse().In("dw"), x, 3, 1, 1)
		})
		require.NoError(t, gotT.Shape().Check(dtypes.F32, 1, 4, 4, 2))
		got := gotT.Value().([][][][]float32)
		assert.Equal(t, float32(4), got[0][0][0][0]) // Corner.
		assert.Equal(t, float32(6), got[0][0][1][1]) // Edge.
		assert.Equal(t, float32(9), got[0][1][1][0]) // Center.
	})

	t.Run("StridesAndMultiplier", func(t *testing.T) {
		ctx := context.New()
		gotT := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			x := Ones(g, shapes.Make(dtypes.F32, 2, 7, 8, 3))
			return DepthwiseConv(ctx.In("dw"), x, 3, 2, 2)
		})
		require.NoError(t, gotT.Shape().Check(dtypes.F32, 2, 4, 4, 6))
	})
}

func TestRelu6(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	gotT := MustExecOnce(backend, func(x *Node) *Node { return Relu6(x) }, []float32{-1, 0.5, 3, 7})
	assert.Equal(t, []float32{0, 0.5, 3, 6}, gotT.Value())
}

func TestMobileNet(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	t.Run("Logits", func(t *testing.T) {
		ctx := context.New()
		gotT := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			images := Ones(g, shapes.Make(dtypes.F32, 2, MinimumImageSize, MinimumImageSize, 3))
			return New(ctx.In("model"), images).Alpha(0.25).NumClasses(2).Done()
		})
		require.NoError(t, gotT.Shape().Check(dtypes.F32, 2, 2))
	})

	t.Run("Embeddings", func(t *testing.T) {
		ctx := context.New()
		gotT := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			images := Ones(g, shapes.Make(dtypes.F32, 1, 40, 48, 3))
			return New(ctx.In("model"), images).Alpha(0.25).IncludeTop(false).Done()
		})
		require.NoError(t, gotT.Shape().Check(dtypes.F32, 1, 256))
	})

	t.Run("TooSmall", func(t *testing.T) {
		ctx := context.New()
		require.Panics(t, func() {
			_ = context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
				images := Ones(g, shapes.Make(dtypes.F32, 1, 16, 16, 3))
				return New(ctx, images).Done()
			})
		})
	})
}
