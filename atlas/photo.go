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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PhotoRecord is one ingested image asset. Latitude, Longitude, and
// Taken are nil when the file's metadata did not yield valid values;
// a record with nil coordinates is never emitted to the marker feed.
type PhotoRecord struct {
	ID        int64      `json:"id"`
	Filename  string     `json:"filename"`
	Path      string     `json:"path"` // canonicalized absolute path
	Latitude  *float64   `json:"latitude"`
	Longitude *float64   `json:"longitude"`
	Taken     *time.Time `json:"datetime,omitempty"`
	Hash      string     `json:"-"` // BLAKE3 of file contents, hex
	FileSize  int64      `json:"-"`
	ModTime   int64      `json:"-"` // unix seconds at last extraction
	LibraryID int64      `json:"library_id"`
}

// MarkerPayload is the denormalized per-photo blob precomputed at
// ingestion time so the marker feed can be served without touching
// the photo files.
type MarkerPayload struct {
	PopupText    string `json:"popup_text"`
	ClusterGroup string `json:"cluster_group"` // YYYY-MM of capture, or "unknown"
	HasThumbnail bool   `json:"has_thumbnail"`
}

// takenLayout is the canonical on-disk representation of capture time:
// ISO 8601 without a zone, since EXIF timestamps are zone-less.
const takenLayout = "2006-01-02T15:04:05"

var (
	errInvalidCoordinates = errors.New("coordinates out of range")
	errHalfCoordinates    = errors.New("only one of latitude/longitude present")
)

// validate checks the integrity constraints that must hold before a
// record may be written: coordinates are either both present and in
// range, or both absent.
func (p PhotoRecord) validate() error {
	if (p.Latitude == nil) != (p.Longitude == nil) {
		return fmt.Errorf("%w: %s", errHalfCoordinates, p.Path)
	}
	if p.Latitude != nil {
		if *p.Latitude < -90 || *p.Latitude > 90 || *p.Longitude < -180 || *p.Longitude > 180 {
			return fmt.Errorf("%w: (%f, %f) for %s", errInvalidCoordinates, *p.Latitude, *p.Longitude, p.Path)
		}
	}
	return nil
}

// markerData builds the precomputed marker payload for this photo.
func (p PhotoRecord) markerData() (string, error) {
	payload := MarkerPayload{
		PopupText:    p.Filename,
		ClusterGroup: "unknown",
	}
	if p.Taken != nil {
		payload.ClusterGroup = p.Taken.Format("2006-01")
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding marker data: %w", err)
	}
	return string(b), nil
}

// upsertPhoto inserts the record, or updates the existing row keyed by
// (library_id, path). It never creates a second row for the same key.
// Returns true if a new row was inserted, false if an existing row was
// updated.
func upsertPhoto(ctx context.Context, tx *sql.Tx, p PhotoRecord) (bool, error) {
	if err := p.validate(); err != nil {
		return false, err
	}

	markerJSON, err := p.markerData()
	if err != nil {
		return false, err
	}

	var taken *string
	if p.Taken != nil {
		s := p.Taken.Format(takenLayout)
		taken = &s
	}

	var existing int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM photos WHERE library_id=? AND path=? LIMIT 1`,
		p.LibraryID, p.Path).Scan(&existing)
	isNew := errors.Is(err, sql.ErrNoRows)
	if err != nil && !isNew {
		return false, fmt.Errorf("checking for existing photo row: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO photos
			(filename, path, latitude, longitude, datetime, hash, file_size, mod_time, library_id, marker_data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (library_id, path) DO UPDATE SET
			filename=excluded.filename,
			latitude=excluded.latitude,
			longitude=excluded.longitude,
			datetime=excluded.datetime,
			hash=excluded.hash,
			file_size=excluded.file_size,
			mod_time=excluded.mod_time,
			marker_data=excluded.marker_data`,
		p.Filename, p.Path, p.Latitude, p.Longitude, taken,
		p.Hash, p.FileSize, p.ModTime, p.LibraryID, markerJSON)
	if err != nil {
		return false, fmt.Errorf("upserting photo %s: %w", p.Path, err)
	}

	return isNew, nil
}

// photoFingerprint is the cheap change-detection proxy stored per row.
// When size and mod time both match the filesystem, the file is assumed
// unchanged and is not re-extracted.
type photoFingerprint struct {
	id       int64
	fileSize int64
	modTime  int64
}

// loadFingerprints builds an index of (path -> fingerprint) for one
// library, so the pipeline can decide newness with one query instead of
// one per file.
func (s *Storage) loadFingerprints(ctx context.Context, libraryID int64) (map[string]photoFingerprint, error) {
	s.dbMu.RLock()
	defer s.dbMu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, path, COALESCE(file_size, -1), COALESCE(mod_time, -1) FROM photos WHERE library_id=?`,
		libraryID)
	if err != nil {
		return nil, fmt.Errorf("querying existing photo fingerprints: %w", err)
	}
	defer rows.Close()

	index := make(map[string]photoFingerprint)
	for rows.Next() {
		var fp photoFingerprint
		var path string
		if err := rows.Scan(&fp.id, &path, &fp.fileSize, &fp.modTime); err != nil {
			return nil, fmt.Errorf("scanning fingerprint row: %w", err)
		}
		index[path] = fp
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating fingerprint rows: %w", err)
	}

	return index, nil
}
