/*
	Photoatlas
	Copyright (c) 2025 Photoatlas authors

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU Affero General Public License as published
	by the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU Affero General Public License for more details.

	You should have received a copy of the GNU Affero General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package atlas

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/photoatlas/photoatlas/exifmeta"
	"go.uber.org/zap"
)

// candidate is one image file discovered during traversal.
type candidate struct {
	path     string // canonical form
	filename string
	size     int64
	modTime  time.Time
}

// collectCandidates walks root recursively and returns every supported
// image file in traversal order. Directory symlinks are followed, with
// a visited set of resolved real paths guarding against loops.
// Per-entry errors are recorded as failures and do not stop the walk;
// an unreadable root is a walk-level error.
func collectCandidates(ctx context.Context, logger *zap.Logger, root string) ([]candidate, []FileFailure, error) {
	w := &treeWalker{
		ctx:     ctx,
		logger:  logger,
		visited: make(map[string]struct{}),
	}
	if err := w.walk(root, true); err != nil {
		return nil, w.failures, err
	}
	return w.candidates, w.failures, nil
}

type treeWalker struct {
	ctx        context.Context
	logger     *zap.Logger
	visited    map[string]struct{} // resolved real paths of directories entered
	candidates []candidate
	failures   []FileFailure
}

func (w *treeWalker) walk(dir string, isRoot bool) error {
	real, err := filepath.EvalSymlinks(dir)
	if err != nil {
		if isRoot {
			return err
		}
		w.fail(dir, err)
		return nil
	}
	if _, seen := w.visited[real]; seen {
		w.logger.Debug("skipping already-visited directory (symlink loop?)",
			zap.String("dir", dir))
		return nil
	}
	w.visited[real] = struct{}{}

	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if werr := w.ctx.Err(); werr != nil {
			return werr
		}
		if err != nil {
			if isRoot && path == dir {
				return err
			}
			w.fail(path, err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		name := d.Name()
		if path != dir && strings.HasPrefix(name, ".") {
			// hidden files and directories are cruft
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			if path != dir {
				real, err := filepath.EvalSymlinks(path)
				if err == nil {
					w.visited[real] = struct{}{}
				}
			}
			return nil
		}

		// WalkDir does not descend into symlinked directories; do it
		// ourselves so a library rooted in symlinks still imports
		if d.Type()&fs.ModeSymlink != 0 {
			info, err := os.Stat(path)
			if err != nil {
				w.fail(path, err)
				return nil
			}
			if info.IsDir() {
				return w.walk(path, false)
			}
			w.addFile(path, info)
			return nil
		}

		info, err := d.Info()
		if err != nil {
			w.fail(path, err)
			return nil
		}
		w.addFile(path, info)
		return nil
	})
}

func (w *treeWalker) addFile(path string, info fs.FileInfo) {
	if !exifmeta.SupportedImage(path) {
		return
	}
	canonical, verified := CanonicalizePath(path)
	if !verified {
		w.logger.Debug("path could not be fully resolved; using best-effort form",
			zap.String("filepath", path))
	}
	w.candidates = append(w.candidates, candidate{
		path:     canonical,
		filename: filepath.Base(path),
		size:     info.Size(),
		modTime:  info.ModTime(),
	})
}

func (w *treeWalker) fail(path string, err error) {
	w.logger.Warn("cannot access path", zap.String("filepath", path), zap.Error(err))
	w.failures = append(w.failures, FileFailure{Path: path, Reason: err.Error()})
}
