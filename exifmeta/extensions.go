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

package exifmeta

import (
	"path/filepath"
	"strings"
)

// supportedExtensions are the image file types ingestion considers.
// Raw formats are included because cameras write EXIF into them the
// same way, and goexif2 reads the TIFF structure most of them share.
var supportedExtensions = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".heic": {},
	".heif": {},
	".tif":  {},
	".tiff": {},
	".bmp":  {},
	".nef":  {},
	".cr2":  {},
	".arw":  {},
	".dng":  {},
}

// SupportedImage reports whether the file at path is a type the
// extractor understands, judged by extension.
func SupportedImage(path string) bool {
	_, ok := supportedExtensions[strings.ToLower(filepath.Ext(path))]
	return ok
}
