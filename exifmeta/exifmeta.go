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

// Package exifmeta extracts geolocation and capture-time metadata from
// image files. It understands EXIF in JPEG and TIFF streams, EXIF
// payloads embedded in HEIC/HEIF containers, and XMP packets as a
// capture-time fallback. Extraction is a pure read: malformed or absent
// metadata degrades to empty fields rather than an error, so one bad
// file can never take down a whole ingestion batch. Only I/O-level
// problems are reported as errors.
package exifmeta

import (
	"encoding/hex"
	"errors"
	"io"
	"math"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cozy/goexif2/exif"
	"github.com/cozy/goexif2/mknote"
	"github.com/trimmer-io/go-xmp/xmp"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"
)

func init() {
	exif.RegisterParsers(mknote.All...)
}

// Metadata is what extraction yields for one file. Latitude, Longitude,
// and Taken are nil when no valid value was recoverable; they are never
// defaulted. Hash is always set on success.
type Metadata struct {
	Latitude  *float64
	Longitude *float64
	Taken     *time.Time
	Hash      string // BLAKE3 of file contents, hex
}

// exifTimeLayout is the timestamp format EXIF uses.
const exifTimeLayout = "2006:01:02 15:04:05"

// Extract reads the file at path and pulls out GPS coordinates, capture
// time, and a content hash. A non-nil error indicates an I/O problem
// (unreadable file, vanished mid-read); everything metadata-related is
// best-effort and reflected only in the returned Metadata.
func Extract(logger *zap.Logger, path string) (Metadata, error) {
	logger = logger.With(zap.String("filepath", path))

	file, err := os.Open(path)
	if err != nil {
		return Metadata{}, err
	}
	defer file.Close()

	// hash the full contents first; this also verifies the file is
	// readable end to end before we bother parsing metadata
	hasher := blake3.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return Metadata{}, err
	}
	meta := Metadata{Hash: hex.EncodeToString(hasher.Sum(nil))}

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return meta, err
	}

	// HEIC/HEIF containers do not expose EXIF where goexif2 can find
	// it; route them through the adapter that digs the payload out of
	// the ISO BMFF structure
	var exifSource io.Reader = file
	if isHEIF(path) {
		payload, err := heifExifPayload(file)
		if err != nil {
			logger.Debug("no EXIF payload recoverable from HEIF container", zap.Error(err))
			return meta, nil
		}
		exifSource = payload
	}

	ex, err := exif.Decode(exifSource)
	if err != nil && exif.IsCriticalError(err) {
		logger.Debug("no usable EXIF metadata", zap.Error(err))
		// the file may still carry an XMP packet with a capture time
		if _, serr := file.Seek(0, io.SeekStart); serr == nil {
			meta.Taken = xmpCaptureTime(logger, file)
		}
		return meta, nil
	}

	meta.Latitude, meta.Longitude = gpsCoordinates(logger, ex)
	meta.Taken = captureTime(ex)

	if meta.Taken == nil {
		if _, serr := file.Seek(0, io.SeekStart); serr == nil {
			meta.Taken = xmpCaptureTime(logger, file)
		}
	}

	return meta, nil
}

// gpsCoordinates reads the GPS IFD and converts its degree/minute/second
// rationals to signed decimal degrees. Payloads that are non-finite,
// out of range, or the (0,0) placeholder many cameras write when no fix
// was available are treated as absent, never as a valid position.
func gpsCoordinates(logger *zap.Logger, ex *exif.Exif) (*float64, *float64) {
	lat, err := gpsAxis(ex, exif.GPSLatitude, exif.GPSLatitudeRef)
	if err != nil {
		return nil, nil
	}
	lon, err := gpsAxis(ex, exif.GPSLongitude, exif.GPSLongitudeRef)
	if err != nil {
		return nil, nil
	}

	if math.IsNaN(lat) || math.IsInf(lat, 0) || math.IsNaN(lon) || math.IsInf(lon, 0) {
		logger.Debug("rejecting non-finite GPS coordinates")
		return nil, nil
	}
	if lat == 0 && lon == 0 {
		// all-zero GPS IFDs are placeholders, not a point off the
		// coast of Africa
		return nil, nil
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		logger.Debug("rejecting out-of-range GPS coordinates",
			zap.Float64("latitude", lat),
			zap.Float64("longitude", lon))
		return nil, nil
	}

	return &lat, &lon
}

func gpsAxis(ex *exif.Exif, valField, refField exif.FieldName) (float64, error) {
	valTag, err := ex.Get(valField)
	if err != nil {
		return 0, err
	}

	parts := make([]*big.Rat, 0, 3)
	for i := 0; i < int(valTag.Count) && i < 3; i++ {
		r, err := valTag.Rat(i)
		if err != nil {
			return 0, err
		}
		parts = append(parts, r)
	}

	ref := ""
	if refTag, err := ex.Get(refField); err == nil {
		if s, err := refTag.StringVal(); err == nil {
			ref = strings.TrimSpace(s)
		}
	}

	return dmsToDecimal(parts, ref)
}

// dmsToDecimal converts degree/minute/second rationals to signed
// decimal degrees, applying the hemisphere reference (S and W are
// negative). Fewer than three parts are tolerated: some encoders write
// fractional degrees in a single rational.
func dmsToDecimal(parts []*big.Rat, ref string) (float64, error) {
	if len(parts) == 0 {
		return 0, errors.New("empty DMS value")
	}

	divisors := []float64{1, 60, 3600}
	var decimal float64
	for i, part := range parts {
		if i >= len(divisors) {
			break
		}
		if part.Denom().Sign() == 0 {
			return 0, errors.New("zero denominator in DMS rational")
		}
		f, _ := part.Float64()
		decimal += f / divisors[i]
	}

	switch strings.ToUpper(ref) {
	case "S", "W":
		decimal = -decimal
	}

	return decimal, nil
}

// captureTime returns the most authoritative capture timestamp the EXIF
// block carries: the original capture time is preferred over the
// digitization time, which is preferred over the generic (and often
// merely file-modification) DateTime tag. Nil if none parse; the
// caller must never substitute "now".
func captureTime(ex *exif.Exif) *time.Time {
	for _, field := range []exif.FieldName{exif.DateTimeOriginal, exif.DateTimeDigitized, exif.DateTime} {
		tag, err := ex.Get(field)
		if err != nil {
			continue
		}
		s, err := tag.StringVal()
		if err != nil {
			continue
		}
		t, err := time.Parse(exifTimeLayout, strings.TrimSpace(s))
		if err != nil {
			continue
		}
		return &t
	}
	return nil
}

// xmpCaptureTime scans the file for XMP packets and pulls a capture
// time out of the usual properties. Purely best-effort.
func xmpCaptureTime(logger *zap.Logger, file io.Reader) *time.Time {
	packets, err := xmp.ScanPackets(file)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			logger.Debug("scanning XMP packets", zap.Error(err))
		}
		return nil
	}

	for _, packet := range packets {
		var doc xmp.Document
		if err := xmp.Unmarshal(packet, &doc); err != nil {
			continue
		}
		paths, err := doc.ListPaths()
		if err != nil {
			continue
		}
		for _, p := range paths {
			switch p.Path {
			case "xmp:CreateDate", "photoshop:DateCreated", "exif:DateTimeOriginal":
				if t := parseXMPTime(string(p.Value)); t != nil {
					return t
				}
			}
		}
	}

	return nil
}

func parseXMPTime(value string) *time.Time {
	for _, layout := range []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02T15:04",
		"2006-01-02",
	} {
		if t, err := time.Parse(layout, strings.TrimSpace(value)); err == nil {
			return &t
		}
	}
	return nil
}

func isHEIF(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".heic", ".heif":
		return true
	}
	return false
}
