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
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Snapshot describes one saved copy of a checkpoint.
type Snapshot struct {
	// RunID identifies the training run that created the snapshot.
	RunID string `json:"run_id"`

	// Name of the snapshot (the formatted template), and Path to its directory.
	Name string `json:"name"`
	Path string `json:"path"`

	// Checkpoint is the base name of the checkpoint files copied.
	Checkpoint string `json:"checkpoint"`

	Epoch      int     `json:"epoch"`
	GlobalStep int64   `json:"global_step"`
	Loss       float64 `json:"loss"`

	// Metrics holds other metrics (e.g.: "acc", "val_loss", "val_acc") at the time of the snapshot.
	Metrics map[string]float64 `json:"metrics,omitempty"`

	Time time.Time `json:"time"`
}

// Value returns the value of the given metric: "loss" is taken from Snapshot.Loss, the others from Snapshot.Metrics.
func (s Snapshot) Value(metric string) (float64, bool) {
	if metric == "loss" {
		return s.Loss, true
	}
	v, found := s.Metrics[metric]
	return v, found
}

const checkpointPrefix = "checkpoint-"

// ListCheckpoints returns the base names of the checkpoints in dir, older first.
// It is equivalent to checkpoints.Handler.ListCheckpoints, but doesn't require loading the checkpoint.
func ListCheckpoints(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed listing checkpoints in %q", dir)
	}
	var baseNames []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, checkpointPrefix) || !strings.HasSuffix(name, checkpoints.JsonNameSuffix) {
			continue
		}
		baseNames = append(baseNames, strings.TrimSuffix(name, checkpoints.JsonNameSuffix))
	}
	sort.Strings(baseNames)
	return baseNames, nil
}

// Save copies the latest checkpoint saved by handler into dir, replacing whatever was in dir.
// Call handler.Save() before, to make sure the latest state is saved.
//
// The returned Snapshot has Path, Name (the base name of dir), Checkpoint and Time filled in.
func Save(handler *checkpoints.Handler, dir string) (Snapshot, error) {
	baseNames, err := handler.ListCheckpoints()
	if err != nil {
		return Snapshot{}, err
	}
	return copyLatest(handler.Dir(), baseNames, dir)
}

// CopyLatest copies the latest checkpoint in srcDir into dstDir, replacing whatever was in dstDir.
func CopyLatest(srcDir, dstDir string) (Snapshot, error) {
	baseNames, err := ListCheckpoints(srcDir)
	if err != nil {
		return Snapshot{}, err
	}
	return copyLatest(srcDir, baseNames, dstDir)
}

func copyLatest(srcDir string, baseNames []string, dstDir string) (Snapshot, error) {
	if len(baseNames) == 0 {
		return Snapshot{}, errors.Errorf("there are no saved checkpoints in %q", srcDir)
	}
	srcAbs, err := filepath.Abs(srcDir)
	if err != nil {
		return Snapshot{}, errors.Wrapf(err, "failed to resolve %q", srcDir)
	}
	dstAbs, err := filepath.Abs(dstDir)
	if err != nil {
		return Snapshot{}, errors.Wrapf(err, "failed to resolve %q", dstDir)
	}
	if srcAbs == dstAbs {
		return Snapshot{}, errors.Errorf("snapshot directory %q is the checkpoint directory itself", dstDir)
	}

	baseName := baseNames[len(baseNames)-1]
	if err = os.RemoveAll(dstDir); err != nil {
		return Snapshot{}, errors.Wrapf(err, "failed to remove previous snapshot in %q", dstDir)
	}
	if err = os.MkdirAll(dstDir, checkpoints.DirPermMode); err != nil {
		return Snapshot{}, errors.Wrapf(err, "failed to create snapshot directory %q", dstDir)
	}
	for _, suffix := range []string{checkpoints.JsonNameSuffix, checkpoints.BinDataSuffix} {
		src := filepath.Join(srcDir, baseName+suffix)
		dst := filepath.Join(dstDir, baseName+suffix)
		if err = linkOrCopy(src, dst); err != nil {
			return Snapshot{}, err
		}
	}
	klog.V(1).Infof("snapshot of %q saved to %q", baseName, dstDir)
	return Snapshot{
		Name:       filepath.Base(dstDir),
		Path:       dstDir,
		Checkpoint: baseName,
		Time:       time.Now(),
	}, nil
}

// linkOrCopy creates a hard link from src to dst, and falls back to copying if linking is not possible
// (e.g.: different devices).
func linkOrCopy(src, dst string) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "failed to open %q", src)
	}
	defer func() { _ = in.Close() }()
	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", dst)
	}
	if _, err = io.Copy(out, in); err != nil {
		_ = out.Close()
		return errors.Wrapf(err, "failed to copy %q to %q", src, dst)
	}
	return errors.Wrapf(out.Close(), "failed to close %q", dst)
}
