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

package dataset

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// ImageExtensions are the file extensions (lower case) taken as images by FromDirectory.
var ImageExtensions = []string{".jpg", ".jpeg", ".png", ".gif"}

func isImageFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, valid := range ImageExtensions {
		if ext == valid {
			return true
		}
	}
	return false
}

// FromDirectory collects the entries of a directory laid out as `dir/<class>/<image file>`.
//
// The classes are the sorted names of the sub-directories, and each image is labeled with the name
// of the sub-directory holding it. Files that are not images (see ImageExtensions) and hidden directories
// are ignored.
func FromDirectory(dir string) (entries []Entry, classes []string, err error) {
	dir, err = fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return
	}
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		err = errors.Wrapf(err, "failed to list images directory %q", dir)
		return
	}
	for _, classEntry := range dirEntries { // os.ReadDir returns entries sorted by name.
		if !classEntry.IsDir() || strings.HasPrefix(classEntry.Name(), ".") {
			continue
		}
		class := classEntry.Name()
		classDir := filepath.Join(dir, class)
		var files []os.DirEntry
		files, err = os.ReadDir(classDir)
		if err != nil {
			err = errors.Wrapf(err, "failed to list images of class %q", class)
			return
		}
		classes = append(classes, class)
		for _, file := range files {
			if file.IsDir() || !isImageFile(file.Name()) {
				continue
			}
			entries = append(entries, Entry{Path: filepath.Join(classDir, file.Name()), Label: class})
		}
	}
	if len(classes) == 0 {
		err = errors.Errorf("no class sub-directories found in %q", dir)
		return
	}
	if len(entries) == 0 {
		err = errors.Errorf("no images found under the %d class directories of %q", len(classes), dir)
		return
	}
	return
}
