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

// Package atlas implements the core of Photoatlas: a SQLite-backed store
// of photo libraries, an incremental ingestion pipeline that extracts
// geolocation and capture-time metadata from image files, and the
// deduplicated marker feed that map viewers read from.
package atlas

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Storage is a handle to a Photoatlas database. Obtain one with Open,
// and Close it when finished. A single Storage may serve concurrent
// ingestion runs for distinct libraries; runs for the same library are
// serialized internally.
type Storage struct {
	// A context used primarily for cancellation.
	ctx    context.Context
	cancel context.CancelFunc // to be called only by the shutdown routine

	dbPath string
	id     uuid.UUID

	// The database handle and its mutex. Why a mutex for a DB handle?
	// High-volume imports can yield "database is locked" errors when
	// scanning rows while a write runs from another goroutine:
	// https://github.com/mattn/go-sqlite3/issues/607#issuecomment-808739698
	// Wrapping DB calls in this mutex makes the problem disappear.
	db   *sql.DB
	dbMu sync.RWMutex

	// serializes ingestion runs per library name
	runLocks *mapMutex
}

// Open opens the Photoatlas database at dbPath, creating and
// provisioning it if it does not exist.
func Open(ctx context.Context, dbPath string) (*Storage, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("no database path specified")
	}

	db, err := openAndProvisionDB(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	id, err := loadRepoID(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)

	return &Storage{
		ctx:      ctx,
		cancel:   cancel,
		dbPath:   dbPath,
		id:       id,
		db:       db,
		runLocks: newMapMutex(),
	}, nil
}

// ID returns the persistent unique ID of this database.
func (s *Storage) ID() uuid.UUID { return s.id }

// Close releases the database handle. Any in-flight ingestion runs are
// signaled to stop via the storage context.
func (s *Storage) Close() error {
	s.cancel()
	if s.db != nil {
		s.dbMu.Lock()
		defer s.dbMu.Unlock()
		return s.db.Close()
	}
	return nil
}
