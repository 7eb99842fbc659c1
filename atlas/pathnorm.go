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
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Path canonicalization rules. The canonical form of a path is the
// change-detection and duplicate-detection key for a file, so two
// different on-disk references to the same physical file must collapse
// to the same string within a run:
//
//   - absolute, with redundant separators and . / .. segments removed
//   - symlinks resolved when the target is reachable
//   - forward slashes on every platform
//   - case-folded on platforms whose filesystems are conventionally
//     case-insensitive (Windows, macOS), with the drive letter kept
//     uppercase on Windows
//
// Cross-run stability is NOT guaranteed if a volume is remounted at a
// different mount point; LocateFile compensates for the common case of
// a drive-letter change on Windows.

// caseInsensitiveFS reports whether paths on this platform should be
// compared case-insensitively.
var caseInsensitiveFS = runtime.GOOS == "windows" || runtime.GOOS == "darwin"

// CanonicalizePath returns the canonical form of path. The second
// return value reports whether the path could be fully resolved on
// disk; when false, the best-effort normalized form is returned and the
// caller should treat the path as unverified.
func CanonicalizePath(path string) (string, bool) {
	verified := true

	abs, err := filepath.Abs(path)
	if err != nil {
		// can only happen when the working directory is gone; fall back
		// to a cleaned relative path
		return normalizeSeparators(filepath.Clean(path)), false
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// target missing or unreadable; keep the absolute form
		resolved = abs
		verified = false
	}

	return normalizeSeparators(resolved), verified
}

func normalizeSeparators(path string) string {
	path = filepath.ToSlash(path)
	if caseInsensitiveFS {
		path = strings.ToLower(path)
		// keep drive letters visually conventional
		if len(path) >= 2 && path[1] == ':' {
			path = strings.ToUpper(path[:1]) + path[1:]
		}
	}
	return path
}

// LocateFile checks whether the file behind a canonical path still
// exists, returning the path it was found at. On Windows, a path whose
// original drive is unavailable is probed across all other mounted
// drives at the same drive-relative location, so a remounted external
// disk does not orphan an entire library.
func LocateFile(canonical string) (string, bool) {
	native := filepath.FromSlash(canonical)
	if _, err := os.Stat(native); err == nil {
		return canonical, true
	}

	if len(canonical) >= 2 && canonical[1] == ':' {
		driveFree := canonical[2:]
		for _, drive := range availableDrives() {
			if strings.EqualFold(drive, canonical[:1]) {
				continue // already tried the recorded drive
			}
			candidate := drive + ":" + driveFree
			if _, err := os.Stat(filepath.FromSlash(candidate)); err == nil {
				return candidate, true
			}
		}
	}

	return canonical, false
}
