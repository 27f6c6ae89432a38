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

package snapshots

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemplate(t *testing.T) {
	tmpl, err := ParseTemplate("gender.mobilenet.{epoch:02d}-{loss:.2f}")
	require.NoError(t, err)
	assert.Equal(t, []string{"epoch", "loss"}, tmpl.Names())
	got, err := tmpl.Format(map[string]any{"epoch": 3, "loss": 0.68712})
	require.NoError(t, err)
	assert.Equal(t, "gender.mobilenet.03-0.69", got)

	tests := []struct {
		template string
		want     string
	}{
		{"{epoch}", "7"},
		{"{loss}", "0.5"},
		{"{step:6d}", "    42"},
		{"{val_acc:.3f}", "0.917"},
		{"{loss:f}", "0.500000"},
		{"{loss:08.3f}", "0000.500"},
		{"{{literal}}-{epoch:03d}", "{literal}-007"},
		{"no placeholders", "no placeholders"},
		{"gender.{model}.{epoch}", "gender.xception.7"},
	}
	values := map[string]any{"model": "xception", "epoch": 7, "step": int64(42), "loss": 0.5, "val_acc": float32(0.9166667)}
	for _, test := range tests {
		got, err := MustParseTemplate(test.template).Format(values)
		require.NoError(t, err, "template %q", test.template)
		assert.Equal(t, test.want, got, "template %q", test.template)
	}

	// Float values always have a decimal point when there is no format.
	got, err = MustParseTemplate("{loss}").Format(map[string]any{"loss": 2.0})
	require.NoError(t, err)
	assert.Equal(t, "2.0", got)
}

func TestTemplateErrors(t *testing.T) {
	for _, template := range []string{
		"{epoch", "epoch}", "{}", "{epoch:}", "{epoch:02x}", "{epoch:.2d}", "{loss:.xf}",
	} {
		_, err := ParseTemplate(template)
		assert.Error(t, err, "template %q should have failed to parse", template)
	}

	tmpl := MustParseTemplate("{epoch:02d}-{unknown}")
	_, err := tmpl.Format(map[string]any{"epoch": 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown")

	// Float given to an integer format.
	_, err = MustParseTemplate("{loss:02d}").Format(map[string]any{"loss": 0.5})
	require.Error(t, err)

	// Unsupported value type, and strings with a format.
	_, err = MustParseTemplate("{name}").Format(map[string]any{"name": true})
	require.Error(t, err)
	_, err = MustParseTemplate("{name:02d}").Format(map[string]any{"name": "x"})
	require.Error(t, err)
}

func TestSave(t *testing.T) {
	checkpointDir := t.TempDir()
	ctx := context.New()
	ctx.VariableWithValue("x", 3.0)
	handler := checkpoints.Build(ctx).Dir(checkpointDir).Keep(2).MustDone()

	_, err := Save(handler, filepath.Join(checkpointDir, "empty"))
	require.Error(t, err, "no checkpoints saved yet")

	require.NoError(t, handler.Save())
	snapshotDir := filepath.Join(checkpointDir, "gender.mobilenet.01-0.69")
	snapshot, err := Save(handler, snapshotDir)
	require.NoError(t, err)
	assert.Equal(t, "gender.mobilenet.01-0.69", snapshot.Name)
	assert.Equal(t, snapshotDir, snapshot.Path)
	assert.NotEmpty(t, snapshot.Checkpoint)

	// Saving again replaces the previous contents.
	require.NoError(t, handler.Save())
	snapshot2, err := Save(handler, snapshotDir)
	require.NoError(t, err)
	assert.NotEqual(t, snapshot.Checkpoint, snapshot2.Checkpoint)
	list, err := ListCheckpoints(snapshotDir)
	require.NoError(t, err)
	assert.Equal(t, []string{snapshot2.Checkpoint}, list)

	// The snapshot is loadable on its own.
	loadedCtx := context.New()
	_ = checkpoints.Load(loadedCtx).Dir(snapshotDir).Immediate().MustDone()
	v := loadedCtx.GetVariableByScopeAndName(context.RootScope, "x")
	require.NotNil(t, v)
	assert.Equal(t, 3.0, v.MustValue().Value())

	// Snapshot directories don't count as checkpoints of the training directory.
	list, err = ListCheckpoints(checkpointDir)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	// Copying onto itself is refused.
	_, err = CopyLatest(checkpointDir, checkpointDir)
	require.Error(t, err)
}

func TestManifest(t *testing.T) {
	dir := t.TempDir()
	m, err := LoadManifest(dir)
	require.NoError(t, err)
	assert.Empty(t, m.Snapshots)
	firstRun := m.RunID
	require.NotEmpty(t, firstRun)

	m.Add(Snapshot{Name: "e1", Path: filepath.Join(dir, "e1"), Epoch: 1, Loss: 0.7,
		Metrics: map[string]float64{"val_loss": 0.8, "val_acc": 0.55}})
	m.Add(Snapshot{Name: "e2", Path: filepath.Join(dir, "e2"), Epoch: 2, Loss: 0.5,
		Metrics: map[string]float64{"val_loss": 0.9, "val_acc": 0.6}})
	require.NoError(t, m.Save())
	_, err = os.Stat(filepath.Join(dir, ManifestFileName))
	require.NoError(t, err)

	m2, err := LoadManifest(dir)
	require.NoError(t, err)
	require.Len(t, m2.Snapshots, 2)
	assert.NotEqual(t, firstRun, m2.RunID)
	assert.Equal(t, firstRun, m2.Snapshots[0].RunID)

	best, found := m2.Best("loss")
	require.True(t, found)
	assert.Equal(t, "e2", best.Name)
	best, found = m2.Best("val_loss")
	require.True(t, found)
	assert.Equal(t, "e1", best.Name)
	best, found = m2.Best("val_acc")
	require.True(t, found)
	assert.Equal(t, "e2", best.Name)
	_, found = m2.Best("val_f1")
	assert.False(t, found)

	// Adding a snapshot with the same path replaces it.
	m2.Add(Snapshot{Name: "e1", Path: filepath.Join(dir, "e1"), Epoch: 1, Loss: 0.1})
	assert.Len(t, m2.Snapshots, 2)
	assert.Equal(t, m2.RunID, m2.Snapshots[0].RunID)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFileName), []byte("{"), 0o644))
	_, err = LoadManifest(dir)
	require.Error(t, err)
}
