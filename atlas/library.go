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

	"go.uber.org/zap"
)

// Library is a named, independently-managed collection of photos with
// one or more source directories. Source directories accumulate over
// repeated imports; a library never forgets a directory it has imported
// from unless the library itself is deleted.
type Library struct {
	ID          int64    `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	SourceDirs  []string `json:"source_dirs"`
}

// LibrarySummary is a Library annotated with its photo count, as served
// alongside the marker feed.
type LibrarySummary struct {
	Library
	PhotoCount int64 `json:"photo_count"`
}

// getOrCreateLibrary loads the library with the given name, creating it
// if needed, and records sourceDir as one of its source directories if
// it is not already known. It must be called with dbMu held for writing
// (or within a transaction via tx).
func getOrCreateLibrary(ctx context.Context, tx *sql.Tx, name, description, sourceDir string) (Library, error) {
	if name == "" {
		return Library{}, errors.New("library name is required")
	}

	var lib Library
	var sourceDirsJSON sql.NullString
	err := tx.QueryRowContext(ctx,
		`SELECT id, name, COALESCE(description, ''), source_dirs FROM libraries WHERE name=? LIMIT 1`,
		name).Scan(&lib.ID, &lib.Name, &lib.Description, &sourceDirsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		dirs := []string{}
		if sourceDir != "" {
			dirs = append(dirs, sourceDir)
		}
		dirsJSON, err := json.Marshal(dirs)
		if err != nil {
			return Library{}, fmt.Errorf("encoding source dirs: %w", err)
		}
		result, err := tx.ExecContext(ctx,
			`INSERT INTO libraries (name, description, source_dirs) VALUES (?, ?, ?)`,
			name, description, string(dirsJSON))
		if err != nil {
			return Library{}, fmt.Errorf("creating library %s: %w", name, err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return Library{}, fmt.Errorf("getting new library ID: %w", err)
		}
		Log.Info("created library",
			zap.String("name", name),
			zap.Int64("id", id))
		return Library{ID: id, Name: name, Description: description, SourceDirs: dirs}, nil
	}
	if err != nil {
		return Library{}, fmt.Errorf("loading library %s: %w", name, err)
	}

	if sourceDirsJSON.Valid && sourceDirsJSON.String != "" {
		if err := json.Unmarshal([]byte(sourceDirsJSON.String), &lib.SourceDirs); err != nil {
			Log.Warn("malformed source_dirs; resetting",
				zap.String("library", name),
				zap.Error(err))
			lib.SourceDirs = nil
		}
	}

	// append the new source dir, preserving the ones recorded by
	// earlier imports
	if sourceDir != "" && !containsString(lib.SourceDirs, sourceDir) {
		lib.SourceDirs = append(lib.SourceDirs, sourceDir)
		dirsJSON, err := json.Marshal(lib.SourceDirs)
		if err != nil {
			return Library{}, fmt.Errorf("encoding source dirs: %w", err)
		}
		_, err = tx.ExecContext(ctx, `UPDATE libraries SET source_dirs=? WHERE id=?`,
			string(dirsJSON), lib.ID)
		if err != nil {
			return Library{}, fmt.Errorf("recording source dir for library %s: %w", name, err)
		}
	}

	return lib, nil
}

// ListLibraries returns all libraries with their photo counts.
func (s *Storage) ListLibraries(ctx context.Context) ([]LibrarySummary, error) {
	s.dbMu.RLock()
	defer s.dbMu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT l.id, l.name, COALESCE(l.description, ''), COALESCE(l.source_dirs, '[]'),
			COUNT(p.id)
		FROM libraries l
		LEFT JOIN photos p ON p.library_id = l.id
		GROUP BY l.id
		ORDER BY l.name`)
	if err != nil {
		return nil, fmt.Errorf("querying libraries: %w", err)
	}
	defer rows.Close()

	var libs []LibrarySummary
	for rows.Next() {
		var lib LibrarySummary
		var dirsJSON string
		if err := rows.Scan(&lib.ID, &lib.Name, &lib.Description, &dirsJSON, &lib.PhotoCount); err != nil {
			return nil, fmt.Errorf("scanning library row: %w", err)
		}
		if err := json.Unmarshal([]byte(dirsJSON), &lib.SourceDirs); err != nil {
			lib.SourceDirs = nil
		}
		libs = append(libs, lib)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating library rows: %w", err)
	}

	return libs, nil
}

// DeleteLibrary removes a library and all of its photos. This is the
// only way photos are ever deleted wholesale; ingestion never deletes.
func (s *Storage) DeleteLibrary(ctx context.Context, name string) error {
	s.dbMu.Lock()
	defer s.dbMu.Unlock()

	result, err := s.db.ExecContext(ctx, `DELETE FROM libraries WHERE name=?`, name)
	if err != nil {
		return fmt.Errorf("deleting library %s: %w", name, err)
	}
	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		return fmt.Errorf("no library named %s", name)
	}

	Log.Info("deleted library", zap.String("name", name))
	return nil
}

// CleanLibrary removes all photos from the named library but keeps the
// library row (and its recorded source directories) intact. Used by
// imports that request a clean slate.
func (s *Storage) CleanLibrary(ctx context.Context, name string) (int64, error) {
	s.dbMu.Lock()
	defer s.dbMu.Unlock()

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM photos WHERE library_id = (SELECT id FROM libraries WHERE name=?)`, name)
	if err != nil {
		return 0, fmt.Errorf("cleaning library %s: %w", name, err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting removed photos: %w", err)
	}

	Log.Info("cleaned library",
		zap.String("name", name),
		zap.Int64("photos_removed", removed))
	return removed, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
