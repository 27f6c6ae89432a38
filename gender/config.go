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
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// Config holds the file locations used by TrainModel.
//
// Relative paths are taken relative to DataDir, if it is set. A "~" prefix is replaced by the user's home directory.
type Config struct {
	// TrainIndex file listing the training images and their labels. See dataset.ReadIndex for the format.
	// Either TrainIndex or ImagesDir must be set.
	TrainIndex string

	// TestIndex file listing the validation images. Optional.
	TestIndex string

	// ImagesDir with one sub-directory per class, used if TrainIndex is not set.
	ImagesDir string

	// LabelsFile with the list of labels the classes are fitted from. Optional: by default the gender
	// classes (or the ImagesDir sub-directories) are used.
	LabelsFile string

	// CheckpointDir where training checkpoints and epoch snapshots are saved. If it already holds a checkpoint,
	// training continues from it.
	CheckpointDir string

	// PretrainedDir holds a saved model to start training from. Optional.
	PretrainedDir string

	// FinalModelDir where the trained model is saved at the end. Optional.
	FinalModelDir string

	// DataDir is the base directory for the relative paths.
	DataDir string
}

// Resolve returns a copy of the configuration with all paths made absolute.
func (c Config) Resolve() (Config, error) {
	dataDir, err := fsutil.ReplaceTildeInDir(c.DataDir)
	if err != nil {
		return c, errors.WithMessagef(err, "invalid data directory %q", c.DataDir)
	}
	resolved := Config{DataDir: dataDir}
	for _, pair := range []struct {
		dst *string
		src string
	}{
		{&resolved.TrainIndex, c.TrainIndex},
		{&resolved.TestIndex, c.TestIndex},
		{&resolved.ImagesDir, c.ImagesDir},
		{&resolved.LabelsFile, c.LabelsFile},
		{&resolved.CheckpointDir, c.CheckpointDir},
		{&resolved.PretrainedDir, c.PretrainedDir},
		{&resolved.FinalModelDir, c.FinalModelDir},
	} {
		*pair.dst, err = resolvePath(pair.src, dataDir)
		if err != nil {
			return c, err
		}
	}
	return resolved, nil
}

// Validate checks that the input files exist.
func (c Config) Validate() error {
	if c.TrainIndex == "" && c.ImagesDir == "" {
		return errors.New("either a training index file or an images directory must be given")
	}
	for _, p := range []string{c.TrainIndex, c.TestIndex, c.ImagesDir, c.LabelsFile, c.PretrainedDir} {
		if p == "" {
			continue
		}
		exists, err := fsutil.FileExists(p)
		if err != nil {
			return err
		}
		if !exists {
			return errors.Errorf("%q not found", p)
		}
	}
	return nil
}

func resolvePath(p, baseDir string) (string, error) {
	if p == "" {
		return "", nil
	}
	p, err := fsutil.ReplaceTildeInDir(p)
	if err != nil {
		return "", errors.WithMessagef(err, "invalid path %q", p)
	}
	if !filepath.IsAbs(p) && baseDir != "" {
		p = filepath.Join(baseDir, p)
	}
	return filepath.Abs(p)
}

// ensureDir creates dir if it doesn't exist yet.
func ensureDir(dir string) error {
	if dir == "" {
		return nil
	}
	return errors.Wrapf(os.MkdirAll(dir, 0o777), "failed to create directory %q", dir)
}

func sameDir(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	return errA == nil && errB == nil && absA == absB
}
