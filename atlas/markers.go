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
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// Marker is one map-plottable photo as served to the viewer, annotated
// with its owning library's display name.
type Marker struct {
	ID          int64          `json:"id"`
	Filename    string         `json:"filename"`
	Path        string         `json:"path"`
	Latitude    *float64       `json:"latitude"`
	Longitude   *float64       `json:"longitude"`
	Datetime    *string        `json:"datetime"`
	LibraryID   int64          `json:"library_id"`
	LibraryName string         `json:"library_name"`
	MarkerData  *MarkerPayload `json:"marker_data,omitempty"`
}

// MarkerFilter selects which photos the marker feed includes.
type MarkerFilter struct {
	// Restrict to these libraries; empty means all.
	LibraryIDs []int64

	// Include photos without GPS coordinates. Such photos are always
	// recorded at ingest time but excluded from the feed by default;
	// this is the read-time half of that policy.
	IncludeMissingGPS bool
}

// ListMarkers returns the deduplicated marker feed: at most one photo
// per duplicate group, the lowest-ID member being canonical. The
// deduplication happens here, at read time, with a window function over
// case-folded filenames -- independent of any ingestion-time
// suppression -- so even a bulk load that bypassed the pipeline yields
// a duplicate-free feed. This query is the single read path for the
// map view.
func (s *Storage) ListMarkers(ctx context.Context, filter MarkerFilter) ([]Marker, error) {
	var conds []string
	var args []any

	if !filter.IncludeMissingGPS {
		conds = append(conds, `p.latitude IS NOT NULL AND p.longitude IS NOT NULL`)
	}
	if len(filter.LibraryIDs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(filter.LibraryIDs)), ",")
		conds = append(conds, `p.library_id IN (`+placeholders+`)`)
		for _, id := range filter.LibraryIDs {
			args = append(args, id)
		}
	}

	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}

	q := `
		WITH ranked_photos AS (
			SELECT p.id, p.filename, p.path, p.latitude, p.longitude, p.datetime,
				p.marker_data, p.library_id, l.name AS library_name,
				ROW_NUMBER() OVER (PARTITION BY lower(p.filename) ORDER BY p.id) AS rn
			FROM photos p
			LEFT JOIN libraries l ON p.library_id = l.id
			` + where + `
		)
		SELECT id, filename, path, latitude, longitude, datetime,
			marker_data, library_id, library_name
		FROM ranked_photos
		WHERE rn = 1
		ORDER BY id`

	s.dbMu.RLock()
	defer s.dbMu.RUnlock()

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying markers: %w", err)
	}
	defer rows.Close()

	var markers []Marker
	for rows.Next() {
		var m Marker
		var markerJSON sql.NullString
		var libName sql.NullString
		err := rows.Scan(&m.ID, &m.Filename, &m.Path, &m.Latitude, &m.Longitude,
			&m.Datetime, &markerJSON, &m.LibraryID, &libName)
		if err != nil {
			return nil, fmt.Errorf("scanning marker row: %w", err)
		}
		m.LibraryName = libName.String
		if markerJSON.Valid && markerJSON.String != "" {
			var payload MarkerPayload
			if err := json.Unmarshal([]byte(markerJSON.String), &payload); err == nil {
				m.MarkerData = &payload
			} else {
				Log.Warn("malformed marker data",
					zap.Int64("photo_id", m.ID),
					zap.Error(err))
			}
		}
		markers = append(markers, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating marker rows: %w", err)
	}

	return markers, nil
}

// MarkerFeed is the full payload a map viewer needs: the deduplicated
// photo markers plus library summaries.
type MarkerFeed struct {
	Photos    []Marker         `json:"photos"`
	Libraries []LibrarySummary `json:"libraries"`
}

// BuildMarkerFeed assembles the feed served to the viewer.
func (s *Storage) BuildMarkerFeed(ctx context.Context, filter MarkerFilter) (MarkerFeed, error) {
	markers, err := s.ListMarkers(ctx, filter)
	if err != nil {
		return MarkerFeed{}, err
	}
	libs, err := s.ListLibraries(ctx)
	if err != nil {
		return MarkerFeed{}, err
	}
	if markers == nil {
		markers = []Marker{}
	}
	if libs == nil {
		libs = []LibrarySummary{}
	}
	return MarkerFeed{Photos: markers, Libraries: libs}, nil
}

// ExportMarkerFeed writes the feed as JSON to outputPath. The file is
// written to a temp file first and renamed into place so an interrupted
// export never leaves a truncated feed behind.
func (s *Storage) ExportMarkerFeed(ctx context.Context, filter MarkerFilter, outputPath string) error {
	feed, err := s.BuildMarkerFeed(ctx, filter)
	if err != nil {
		return err
	}

	if dir := filepath.Dir(outputPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating output directory: %w", err)
		}
	}

	data, err := json.Marshal(feed)
	if err != nil {
		return fmt.Errorf("encoding marker feed: %w", err)
	}

	tmpPath := outputPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("writing marker feed: %w", err)
	}
	if err := os.Rename(tmpPath, outputPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("moving marker feed into place: %w", err)
	}

	Log.Info("exported marker feed",
		zap.String("output", outputPath),
		zap.Int("photos", len(feed.Photos)),
		zap.Int("libraries", len(feed.Libraries)))
	return nil
}
