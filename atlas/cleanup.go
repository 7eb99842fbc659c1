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
	"fmt"

	"go.uber.org/zap"
)

// OrphanReport summarizes a cleanup pass.
type OrphanReport struct {
	Checked int      `json:"checked"`
	Removed int      `json:"removed"`
	Moved   int      `json:"moved"` // found at another drive/mount and left alone
	Orphans []string `json:"orphans,omitempty"`
}

// RemoveOrphans deletes photo rows whose backing file no longer exists
// on disk. Stale rows are never removed implicitly by ingestion; this
// explicit pass is the only way they go away. A file that has merely
// moved to another drive (detected via the drive-probing path lookup)
// is not an orphan and its row is kept. With dryRun set, the report is
// produced but nothing is deleted.
func (s *Storage) RemoveOrphans(ctx context.Context, libraryName string, dryRun bool) (*OrphanReport, error) {
	q := `SELECT p.id, p.path FROM photos p`
	var args []any
	if libraryName != "" {
		q += ` JOIN libraries l ON p.library_id = l.id WHERE l.name = ?`
		args = append(args, libraryName)
	}

	s.dbMu.RLock()
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		s.dbMu.RUnlock()
		return nil, fmt.Errorf("querying photo paths: %w", err)
	}

	report := new(OrphanReport)
	var orphanIDs []int64
	for rows.Next() {
		var id int64
		var path string
		if err := rows.Scan(&id, &path); err != nil {
			rows.Close()
			s.dbMu.RUnlock()
			return nil, fmt.Errorf("scanning photo row: %w", err)
		}
		report.Checked++

		found, ok := LocateFile(path)
		if !ok {
			orphanIDs = append(orphanIDs, id)
			report.Orphans = append(report.Orphans, path)
		} else if found != path {
			report.Moved++
		}
	}
	rows.Close()
	s.dbMu.RUnlock()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating photo rows: %w", err)
	}

	// in a dry run the orphan list shows what would be deleted
	if dryRun || len(orphanIDs) == 0 {
		return report, nil
	}

	s.dbMu.Lock()
	defer s.dbMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range orphanIDs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM photos WHERE id=?`, id); err != nil {
			return nil, fmt.Errorf("deleting orphan photo %d: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing orphan removal: %w", err)
	}
	report.Removed = len(orphanIDs)

	Log.Info("removed orphaned photo rows",
		zap.String("library", libraryName),
		zap.Int("checked", report.Checked),
		zap.Int("removed", report.Removed),
		zap.Int("moved", report.Moved))

	return report, nil
}
