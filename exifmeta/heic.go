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
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/abema/go-mp4"
)

// HEIC/HEIF files are ISO BMFF containers; the EXIF block lives in a
// metadata item rather than an APP1 segment, so goexif2 cannot find it
// on its own. The adapter below verifies the container brand with the
// mp4 box parser and then locates the embedded EXIF payload so the rest
// of extraction can proceed exactly as for a JPEG.

// brands that identify HEIF-family containers
var heifBrands = map[string]struct{}{
	"heic": {}, "heix": {}, "heim": {}, "heis": {},
	"hevc": {}, "hevx": {}, "hevm": {}, "hevs": {},
	"mif1": {}, "msf1": {},
}

var (
	errNotHEIF    = errors.New("not a HEIF container")
	errNoExifItem = errors.New("no EXIF item in container")
)

// payloads beyond this offset are not searched; EXIF metadata sits near
// the front of every HEIF file encountered in practice
const maxExifScan = 32 << 20

// heifExifPayload returns a reader over the TIFF-structured EXIF
// payload embedded in the HEIF container read from rs.
func heifExifPayload(rs io.ReadSeeker) (io.Reader, error) {
	ok, err := isHEIFBrand(rs)
	if err != nil {
		return nil, fmt.Errorf("parsing container structure: %w", err)
	}
	if !ok {
		return nil, errNotHEIF
	}

	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return findExifPayload(rs)
}

// isHEIFBrand reads the container's ftyp box and checks whether any of
// its brands identify a HEIF-family file.
func isHEIFBrand(rs io.ReadSeeker) (bool, error) {
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return false, err
	}

	var heif bool
	_, err := mp4.ReadBoxStructure(rs, func(h *mp4.ReadHandle) (any, error) {
		if h.BoxInfo.Type.String() != "ftyp" {
			return nil, nil // only the top-level ftyp matters here
		}
		box, _, err := h.ReadPayload()
		if err != nil {
			return nil, fmt.Errorf("reading ftyp payload: %w", err)
		}
		ftyp, ok := box.(*mp4.Ftyp)
		if !ok {
			return nil, nil
		}
		if _, ok := heifBrands[string(ftyp.MajorBrand[:])]; ok {
			heif = true
		}
		for _, brand := range ftyp.CompatibleBrands {
			if _, ok := heifBrands[string(brand.CompatibleBrand[:])]; ok {
				heif = true
			}
		}
		return nil, nil
	})
	if err != nil {
		return false, err
	}
	return heif, nil
}

// findExifPayload scans the container for the EXIF item payload, which
// is tagged with the "Exif\0\0" identifier followed by a TIFF header,
// and returns a reader positioned at the TIFF header.
func findExifPayload(r io.Reader) (io.Reader, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxExifScan))
	if err != nil {
		return nil, err
	}

	marker := []byte("Exif\x00\x00")
	offset := 0
	for {
		i := bytes.Index(data[offset:], marker)
		if i < 0 {
			return nil, errNoExifItem
		}
		start := offset + i + len(marker)
		if rest := data[start:]; validTIFFHeader(rest) {
			return bytes.NewReader(rest), nil
		}
		offset += i + len(marker)
	}
}

func validTIFFHeader(b []byte) bool {
	if len(b) < 4 {
		return false
	}
	return bytes.HasPrefix(b, []byte("II*\x00")) || bytes.HasPrefix(b, []byte("MM\x00*"))
}
