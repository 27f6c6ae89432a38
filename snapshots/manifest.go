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
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ManifestFileName is the name of the manifest file, saved in the checkpoint directory.
const ManifestFileName = "snapshots.json"

// Manifest lists the snapshots saved for a model, across training runs.
type Manifest struct {
	// RunID of the current training run, a new one is created every time the manifest is loaded.
	RunID string `json:"-"`

	Snapshots []Snapshot `json:"snapshots"`

	path string
}

// LoadManifest loads the manifest in dir, or creates an empty one if it doesn't exist yet.
func LoadManifest(dir string) (*Manifest, error) {
	m := &Manifest{
		RunID: uuid.NewString(),
		path:  filepath.Join(dir, ManifestFileName),
	}
	contents, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, errors.Wrapf(err, "failed to read snapshots manifest %q", m.path)
	}
	if err = json.Unmarshal(contents, m); err != nil {
		return nil, errors.Wrapf(err, "failed to parse snapshots manifest %q", m.path)
	}
	return m, nil
}

// Path of the manifest file.
func (m *Manifest) Path() string { return m.path }

// Add a snapshot to the manifest, setting its RunID to the current run.
// If a snapshot with the same path already exists, it is replaced, since the directory was overwritten.
func (m *Manifest) Add(s Snapshot) {
	s.RunID = m.RunID
	for ii, old := range m.Snapshots {
		if old.Path == s.Path {
			m.Snapshots[ii] = s
			return
		}
	}
	m.Snapshots = append(m.Snapshots, s)
}

// Save the manifest, atomically replacing the previous version.
func (m *Manifest) Save() error {
	contents, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to serialize snapshots manifest")
	}
	tmpPath := m.path + ".tmp"
	if err = os.WriteFile(tmpPath, contents, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write snapshots manifest %q", tmpPath)
	}
	if err = os.Rename(tmpPath, m.path); err != nil {
		return errors.Wrapf(err, "failed to rename snapshots manifest to %q", m.path)
	}
	return nil
}

// Best returns the snapshot with the best value for the metric: the lowest for losses (metric names ending
// in "loss"), the highest otherwise. Snapshots without the metric are ignored.
func (m *Manifest) Best(metric string) (best Snapshot, found bool) {
	lowerIsBetter := strings.HasSuffix(metric, "loss")
	var bestValue float64
	for _, s := range m.Snapshots {
		v, ok := s.Value(metric)
		if !ok {
			continue
		}
		if !found || (lowerIsBetter && v < bestValue) || (!lowerIsBetter && v > bestValue) {
			best, bestValue, found = s, v, true
		}
	}
	return
}
