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

// Command photoatlas is the command-line surface over the core
// pipeline: it creates/opens the database, runs imports, cleans up
// orphaned rows, and dumps the marker feed. All real work happens in
// the atlas package; this layer only maps flags onto parameters.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"

	"github.com/photoatlas/photoatlas/atlas"
	"go.uber.org/zap"
)

func main() {
	var (
		dbPath         = flag.String("db", "photo_library.db", "database file path")
		processDir     = flag.String("process", "", "process images from the specified directory")
		library        = flag.String("library", "Default", "library name for imported photos")
		description    = flag.String("description", "", "description for the library (when creating a new library)")
		workers        = flag.Int("workers", 0, "number of extraction workers (0 = default)")
		includeAll     = flag.Bool("include-all", false, "include photos without GPS data in exports")
		force          = flag.Bool("force", false, "reprocess files even if unchanged since last import")
		clean          = flag.Bool("clean", false, "wipe the library's photos before importing")
		export         = flag.String("export", "", "export the marker feed as JSON to the given path")
		cleanupOrphans = flag.Bool("cleanup-orphans", false, "remove rows whose backing file no longer exists")
		dryRun         = flag.Bool("dry-run", false, "with -cleanup-orphans: report only, delete nothing")
		deleteLibrary  = flag.String("delete-library", "", "delete the named library and all its photos")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	storage, err := atlas.Open(ctx, *dbPath)
	if err != nil {
		atlas.Log.Fatal("opening database", zap.Error(err))
	}
	defer storage.Close()

	if *deleteLibrary != "" {
		if err := storage.DeleteLibrary(ctx, *deleteLibrary); err != nil {
			atlas.Log.Fatal("deleting library", zap.Error(err))
		}
	}

	if *clean && *processDir == "" {
		if _, err := storage.CleanLibrary(ctx, *library); err != nil {
			atlas.Log.Fatal("cleaning library", zap.Error(err))
		}
	}

	if *processDir != "" {
		report, err := storage.Ingest(ctx, atlas.IngestParameters{
			Library:     *library,
			Description: *description,
			SourceDir:   *processDir,
			IncludeAll:  *includeAll,
			Force:       *force,
			Clean:       *clean,
			Workers:     *workers,
		})
		if err != nil {
			// a partial report is still worth seeing
			if report != nil {
				atlas.Log.Warn("partial ingestion report",
					zap.Int("inserted", report.Inserted),
					zap.Int("failed_extraction", report.FailedExtraction))
			}
			atlas.Log.Fatal("ingestion failed", zap.Error(err))
		}
	}

	if *cleanupOrphans {
		report, err := storage.RemoveOrphans(ctx, *library, *dryRun)
		if err != nil {
			atlas.Log.Fatal("orphan cleanup failed", zap.Error(err))
		}
		atlas.Log.Info("orphan cleanup finished",
			zap.Int("checked", report.Checked),
			zap.Int("removed", report.Removed),
			zap.Int("moved", report.Moved),
			zap.Bool("dry_run", *dryRun))
	}

	if *export != "" {
		err := storage.ExportMarkerFeed(ctx, atlas.MarkerFilter{IncludeMissingGPS: *includeAll}, *export)
		if err != nil {
			atlas.Log.Fatal("exporting marker feed", zap.Error(err))
		}
	}
}
