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
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gender/snapshots"
	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeIndex creates numExamples images, half "F" (dark) and half "M" (bright), and an index file listing them.
func writeIndex(t *testing.T, dir, name string, numExamples int) string {
	var sb strings.Builder
	for ii := range numExamples {
		label, gray := "F", uint8(30+ii)
		if ii%2 == 1 {
			label, gray = "M", uint8(220-ii)
		}
		imgPath := filepath.Join(dir, "images", fmt.Sprintf("%s_%03d.png", name, ii))
		require.NoError(t, os.MkdirAll(filepath.Dir(imgPath), 0o755))
		require.NoError(t, imaging.Save(imaging.New(40, 36, color.NRGBA{R: gray, G: gray, B: gray, A: 255}), imgPath))
		fmt.Fprintf(&sb, "images/%s,%s\n", filepath.Base(imgPath), label)
	}
	indexPath := filepath.Join(dir, name+".txt")
	require.NoError(t, os.WriteFile(indexPath, []byte(sb.String()), 0o644))
	return indexPath
}

// smallContext returns a context configured for a tiny MobileNet, fast to train.
func smallContext(epochs int) *context.Context {
	ctx := CreateDefaultContext()
	ctx.SetParams(map[string]any{
		ParamImageSize:          32,
		ParamMobileNetAlpha:     0.25,
		ParamBatchSize:          4,
		ParamStepsPerEpoch:      2,
		ParamEpochs:             epochs,
		ParamPlots:              false,
		ParamParallelism:        2,
		ParamNumCheckpoints:     2,
		ParamCheckpointTemplate: "gender.{model}.{epoch:02d}-{loss:.2f}-{val_acc:.2f}",
	})
	return ctx
}

func TestSelectModelFn(t *testing.T) {
	ctx := CreateDefaultContext()
	fn, err := SelectModelFn(ctx)
	require.NoError(t, err)
	require.NotNil(t, fn)

	ctx.SetParam(ParamModel, "resnet")
	_, err = SelectModelFn(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mobilenet")
	assert.Contains(t, err.Error(), "xception")
}

func TestContextDefaults(t *testing.T) {
	ctx := CreateDefaultContext()
	assert.Equal(t, 224, ImageSize(ctx))
	assert.Equal(t, 5, StepsPerEpoch(ctx)) // 100 examples, batches of 20.
	assert.Equal(t, 20, EvalBatchSize(ctx))
	assert.True(t, AugmentationFromContext(ctx).IsZero())
	assert.Equal(t, "plots", ParamPlots)
	assert.True(t, context.GetParamOr(ctx, ParamPlots, false))
	assert.Contains(t, ParamsExcludedFromSaving, ParamPlots)

	ctx.SetParam(ParamModel, "xception")
	assert.Equal(t, 299, ImageSize(ctx))
	ctx.SetParam(ParamImageSize, 64)
	assert.Equal(t, 64, ImageSize(ctx))

	ctx.SetParams(map[string]any{ParamAugment: true, ParamStepsPerEpoch: 7, ParamEvalBatchSize: 50})
	aug := AugmentationFromContext(ctx)
	assert.True(t, aug.IsGeometric())
	assert.True(t, aug.IsSamplewise())
	norm := Normalization(ctx)
	assert.False(t, norm.IsGeometric())
	assert.True(t, norm.IsSamplewise())
	assert.Equal(t, 7, StepsPerEpoch(ctx))
	assert.Equal(t, 50, EvalBatchSize(ctx))
}

func TestConfig(t *testing.T) {
	dir := t.TempDir()
	config, err := Config{DataDir: dir, TrainIndex: "train.txt", CheckpointDir: "/abs/checkpoint"}.Resolve()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "train.txt"), config.TrainIndex)
	assert.Equal(t, "/abs/checkpoint", config.CheckpointDir)
	assert.Empty(t, config.TestIndex)

	require.Error(t, config.Validate(), "train.txt doesn't exist")
	require.NoError(t, os.WriteFile(config.TrainIndex, nil, 0o644))
	require.NoError(t, config.Validate())
	require.Error(t, Config{}.Validate(), "no training data")
}

func TestClasses(t *testing.T) {
	ctx := CreateDefaultContext()
	assert.Nil(t, Classes(ctx))
	require.NoError(t, setClasses(ctx, []string{"F", "M"}))
	assert.Equal(t, []string{"F", "M"}, Classes(ctx))
	require.NoError(t, setClasses(ctx, []string{"F", "M"}))
	require.Error(t, setClasses(ctx, []string{"cat", "dog"}))
}

func TestSnapshotTemplate(t *testing.T) {
	ctx := CreateDefaultContext()
	template, err := snapshotTemplate(ctx, false)
	require.NoError(t, err)
	name, err := template.Format(EpochEnd{Model: "mobilenet", Epoch: 3, Loss: 0.6871}.Values())
	require.NoError(t, err)
	assert.Equal(t, "gender.mobilenet.03-0.69", name)

	ctx.SetParam(ParamCheckpointTemplate, "{epoch:02d}-{val_loss:.3f}")
	_, err = snapshotTemplate(ctx, false)
	require.Error(t, err, "val_loss requires validation data")
	_, err = snapshotTemplate(ctx, true)
	require.NoError(t, err)

	ctx.SetParam(ParamCheckpointTemplate, "")
	template, err = snapshotTemplate(ctx, false)
	require.NoError(t, err)
	assert.Nil(t, template)
}

func TestCategoricalAccuracy(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	labels := [][]float32{{1, 0}, {0, 1}, {0, 1}, {1, 0}}
	logits := [][]float32{{2, -1}, {0.5, 0.7}, {3, 1}, {-1, 1}}
	accT := MustExecOnce(backend, func(labels, logits *Node) *Node {
		return CategoricalAccuracyGraph(ctx, []*Node{labels}, []*Node{logits})
	}, labels, logits)
	assert.InDelta(t, 0.5, accT.Value().(float32), 1e-6)
}

func TestCreateDatasets(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	dir := t.TempDir()

	t.Run("Index", func(t *testing.T) {
		ctx := smallContext(1)
		config := Config{TrainIndex: writeIndex(t, dir, "train", 6), TestIndex: writeIndex(t, dir, "test", 5)}
		ds, err := CreateDatasets(backend, ctx, config)
		require.NoError(t, err)
		assert.Equal(t, []string{"F", "M"}, ds.Encoder.Classes())
		require.NotNil(t, ds.Validation)
		assert.Len(t, ds.EvalDatasets(), 2)

		_, inputs, labels, err := ds.Train.Yield()
		require.NoError(t, err)
		require.NoError(t, inputs[0].Shape().CheckDims(4, 32, 32, 3))
		require.NoError(t, labels[0].Shape().CheckDims(4, 2))

		_, inputs, labels, err = ds.Validation.Yield()
		require.NoError(t, err)
		require.NoError(t, inputs[0].Shape().CheckDims(4, 32, 32, 3))
		require.NoError(t, labels[0].Shape().CheckDims(4, 2))
	})

	t.Run("Directory", func(t *testing.T) {
		imagesDir := filepath.Join(dir, "classes")
		for _, class := range []string{"cat", "dog", "fox"} {
			for ii := range 2 {
				imgPath := filepath.Join(imagesDir, class, fmt.Sprintf("%d.png", ii))
				require.NoError(t, os.MkdirAll(filepath.Dir(imgPath), 0o755))
				require.NoError(t, imaging.Save(imaging.New(8, 8, color.NRGBA{A: 255}), imgPath))
			}
		}
		ctx := smallContext(1)
		_, err := CreateDatasets(backend, ctx, Config{ImagesDir: imagesDir})
		require.Error(t, err, "3 classes but num_classes is 2")

		ctx.SetParam(ParamNumClasses, 3)
		ds, err := CreateDatasets(backend, ctx, Config{ImagesDir: imagesDir})
		require.NoError(t, err)
		assert.Equal(t, []string{"cat", "dog", "fox"}, ds.Encoder.Classes())
		assert.Nil(t, ds.Validation)
		assert.Len(t, ds.EvalDatasets(), 1)
	})

	t.Run("LabelsFile", func(t *testing.T) {
		labelsFile := filepath.Join(dir, "labels.txt")
		require.NoError(t, os.WriteFile(labelsFile, []byte("M\nF\nM\n"), 0o644))
		encoder, err := CreateEncoder(Config{LabelsFile: labelsFile}, []string{"ignored"})
		require.NoError(t, err)
		assert.Equal(t, []string{"F", "M"}, encoder.Classes())
	})
}

func TestTrainModel(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping training test in short mode")
	}
	backend := graphtest.BuildTestBackend()
	dir := t.TempDir()
	config := Config{
		DataDir:       dir,
		TrainIndex:    filepath.Base(writeIndex(t, dir, "train", 8)),
		TestIndex:     filepath.Base(writeIndex(t, dir, "test", 4)),
		CheckpointDir: "checkpoint",
		FinalModelDir: "final",
	}
	checkpointDir := filepath.Join(dir, "checkpoint")

	ctx := smallContext(2)
	require.NoError(t, TrainModel(backend, ctx, config, true, nil))
	assert.Equal(t, int64(4), optimizers.GetGlobalStep(ctx))
	manifest, err := snapshots.LoadManifest(checkpointDir)
	require.NoError(t, err)
	require.Len(t, manifest.Snapshots, 2)
	for ii, s := range manifest.Snapshots {
		assert.Equal(t, ii+1, s.Epoch)
		assert.Equal(t, int64(2*(ii+1)), s.GlobalStep)
		assert.True(t, strings.HasPrefix(s.Name, fmt.Sprintf("gender.mobilenet.%02d-", ii+1)), s.Name)
		assert.Contains(t, s.Metrics, "val_acc")
		list, err := snapshots.ListCheckpoints(s.Path)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	}
	list, err := snapshots.ListCheckpoints(filepath.Join(dir, "final"))
	require.NoError(t, err)
	assert.Len(t, list, 1)

	// Continue training for one more epoch, from the checkpoint.
	ctx = smallContext(3)
	require.NoError(t, TrainModel(backend, ctx, config, false, nil))
	assert.Equal(t, int64(6), optimizers.GetGlobalStep(ctx))
	assert.Equal(t, []string{"F", "M"}, Classes(ctx))
	manifest, err = snapshots.LoadManifest(checkpointDir)
	require.NoError(t, err)
	require.Len(t, manifest.Snapshots, 3)
	assert.NotEqual(t, manifest.Snapshots[0].RunID, manifest.Snapshots[2].RunID)

	// Fine-tune the final model in a new directory: global step starts from 0.
	ctx = smallContext(1)
	ctx.SetParams(map[string]any{ParamAugment: true, ParamCheckpointTemplate: DefaultCheckpointTemplate})
	fineTune := Config{
		DataDir:       dir,
		TrainIndex:    config.TrainIndex,
		PretrainedDir: "final",
		CheckpointDir: "finetune",
	}
	require.NoError(t, TrainModel(backend, ctx, fineTune, false, []string{ParamAugment}))
	assert.Equal(t, int64(2), optimizers.GetGlobalStep(ctx))
	assert.True(t, context.GetParamOr(ctx, ParamAugment, false))
	manifest, err = snapshots.LoadManifest(filepath.Join(dir, "finetune"))
	require.NoError(t, err)
	require.Len(t, manifest.Snapshots, 1)
	assert.True(t, strings.HasPrefix(manifest.Snapshots[0].Name, "gender.mobilenet.01-"))
}
