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

// Package dataset reads the gender dataset descriptions (index files or a directory of images per class)
// and yields batches of images and one-hot labels for training, implementing train.Dataset.
//
// An index file lists one example per line, the image path followed by its label:
//
//	# path label
//	images/0001.jpg F
//	images/0002.jpg,M
//
// The label is the last field, separated by a comma or by white space, so paths can contain spaces.
// Relative paths are resolved against the directory of the index file.
package dataset

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// Entry is one example: an image file and its string label.
type Entry struct {
	Path, Label string
}

// Labels returns the labels of the entries, in order.
func Labels(entries []Entry) []string {
	values := make([]string, len(entries))
	for ii, e := range entries {
		values[ii] = e.Label
	}
	return values
}

// ReadIndex parses an index file.
func ReadIndex(indexPath string) ([]Entry, error) {
	indexPath, err := fsutil.ReplaceTildeInDir(indexPath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(indexPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open dataset index %q", indexPath)
	}
	defer func() { _ = f.Close() }()

	baseDir := filepath.Dir(indexPath)
	var entries []Entry
	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		imgPath, label, ok := splitIndexLine(line)
		if !ok {
			return nil, errors.Errorf("%s:%d: expected \"<path> <label>\", got %q", indexPath, lineNum, line)
		}
		if !filepath.IsAbs(imgPath) {
			imgPath = filepath.Join(baseDir, imgPath)
		}
		entries = append(entries, Entry{Path: imgPath, Label: label})
	}
	if err = scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed reading dataset index %q", indexPath)
	}
	return entries, nil
}

// splitIndexLine splits the line on its last separator, a comma or white space, so paths may contain either.
func splitIndexLine(line string) (imgPath, label string, ok bool) {
	sep := max(strings.LastIndexByte(line, ','), strings.LastIndexAny(line, " \t"))
	if sep < 0 {
		return "", "", false
	}
	imgPath = strings.TrimRight(line[:sep], ", \t")
	label = strings.TrimSpace(line[sep+1:])
	if imgPath == "" || label == "" {
		return "", "", false
	}
	return imgPath, label, true
}

// ReadLabels reads a file with one label per line, skipping empty lines and "#" comments.
// It is used to fit a labels.Encoder when the classes are not the default ones.
func ReadLabels(labelsPath string) ([]string, error) {
	labelsPath, err := fsutil.ReplaceTildeInDir(labelsPath)
	if err != nil {
		return nil, err
	}
	contents, err := os.ReadFile(labelsPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read labels file %q", labelsPath)
	}
	var values []string
	for _, line := range strings.Split(string(contents), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		values = append(values, line)
	}
	return values, nil
}
