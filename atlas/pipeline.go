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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/photoatlas/photoatlas/exifmeta"
	"go.uber.org/zap"
)

// IngestParameters configures one ingestion run over a source
// directory into a library.
type IngestParameters struct {
	// Name of the library to ingest into; created if it does not exist.
	Library string `json:"library"`

	// Optional description, recorded when the library is created.
	Description string `json:"description,omitempty"`

	// Directory tree to walk for image files.
	SourceDir string `json:"source_dir"`

	// Photos without GPS coordinates are always recorded; exclusion
	// happens at marker-serving time. This flag is carried through to
	// the run report so callers can wire it to their marker filter.
	IncludeAll bool `json:"include_all,omitempty"`

	// Re-extract metadata even for files whose fingerprint is
	// unchanged since the last run.
	Force bool `json:"force,omitempty"`

	// Wipe the library's photos before importing.
	Clean bool `json:"clean,omitempty"`

	// Parallelism of the extraction step. Default 4.
	Workers int `json:"workers,omitempty"`

	// Rows committed per transaction. Default 100.
	BatchSize int `json:"batch_size,omitempty"`

	// Soft per-file time budget for extraction; excess counts as an
	// extraction failure so one pathological file cannot stall a
	// worker indefinitely. Default 30s.
	FileTimeout time.Duration `json:"file_timeout,omitempty"`

	// Duplicate-group key policy. Default FilenameKey.
	DedupKey DedupKeyFunc `json:"-"`
}

const (
	defaultWorkers     = 4
	defaultBatchSize   = 100
	defaultFileTimeout = 30 * time.Second

	// this many I/O failures in a row means the source tree itself is
	// gone (unmounted, revoked), not that individual files are bad
	ioFailureAbortThreshold = 25
)

// FileFailure records one file the pipeline could not process.
type FileFailure struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// IngestionReport is the outcome of a run. A "successful" run can still
// contain per-file failures; operators need to see those counts rather
// than a bare success boolean.
type IngestionReport struct {
	Library   string `json:"library"`
	SourceDir string `json:"source_dir"`

	Scanned             int `json:"scanned"`
	Inserted            int `json:"inserted"`
	Updated             int `json:"updated"`
	SkippedUnchanged    int `json:"skipped_unchanged"`
	FailedExtraction    int `json:"failed_extraction"`
	WithoutGPS          int `json:"without_gps"`
	DuplicatesCollapsed int `json:"duplicates_collapsed"`

	Failures []FileFailure `json:"failures,omitempty"`

	Duration time.Duration `json:"duration"`
}

var errExtractionTimeout = errors.New("extraction exceeded time budget")

// Ingest walks params.SourceDir, extracts metadata from new and changed
// image files, and commits the results to the library in batches.
// Repeated runs over an unchanged tree do negligible work: files whose
// size and mod time match the stored fingerprint are skipped without
// re-extraction unless Force is set.
//
// Runs for the same library are serialized; distinct libraries may
// ingest concurrently against the same Storage. A run interrupted
// between batches loses nothing; re-running reconciles via the
// fingerprint check.
func (s *Storage) Ingest(ctx context.Context, params IngestParameters) (*IngestionReport, error) {
	if params.Library == "" {
		return nil, errors.New("library name is required")
	}
	if params.Workers <= 0 {
		params.Workers = defaultWorkers
	}
	if params.BatchSize <= 0 {
		params.BatchSize = defaultBatchSize
	}
	if params.FileTimeout <= 0 {
		params.FileTimeout = defaultFileTimeout
	}

	// run-level precondition: the source tree must exist and be a
	// directory; anything else aborts before touching the database
	info, err := os.Stat(params.SourceDir)
	if err != nil {
		return nil, fmt.Errorf("source directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source is not a directory: %s", params.SourceDir)
	}
	sourceCanonical, _ := CanonicalizePath(params.SourceDir)

	// one run per library at a time
	s.runLocks.Lock(params.Library)
	defer s.runLocks.Unlock(params.Library)

	logger := Log.Named("pipeline").With(
		zap.String("library", params.Library),
		zap.String("source_dir", sourceCanonical))

	start := time.Now()
	report := &IngestionReport{
		Library:   params.Library,
		SourceDir: sourceCanonical,
	}

	lib, err := s.resolveLibrary(ctx, params, sourceCanonical)
	if err != nil {
		return nil, err
	}

	if params.Clean {
		if _, err := s.CleanLibrary(ctx, params.Library); err != nil {
			return nil, err
		}
	}

	fingerprints, err := s.loadFingerprints(ctx, lib.ID)
	if err != nil {
		return nil, err
	}

	candidates, walkFailures, err := collectCandidates(ctx, logger, params.SourceDir)
	if err != nil {
		return nil, fmt.Errorf("walking source directory: %w", err)
	}
	report.Failures = append(report.Failures, walkFailures...)
	report.Scanned = len(candidates)

	// incremental change detection: unchanged fingerprints skip the
	// extraction step entirely
	work := make([]candidate, 0, len(candidates))
	for _, c := range candidates {
		if fp, ok := fingerprints[c.path]; ok && !params.Force &&
			fp.fileSize == c.size && fp.modTime == c.modTime.Unix() {
			report.SkippedUnchanged++
			continue
		}
		work = append(work, c)
	}

	logger.Info("scan complete",
		zap.Int("scanned", report.Scanned),
		zap.Int("unchanged", report.SkippedUnchanged),
		zap.Int("to_process", len(work)))

	var runRecords []PhotoRecord
	consecutiveIOFailures := 0

	for batchStart := 0; batchStart < len(work); batchStart += params.BatchSize {
		if err := ctx.Err(); err != nil {
			report.Duration = time.Since(start)
			return report, fmt.Errorf("ingestion interrupted: %w", err)
		}

		batchEnd := min(batchStart+params.BatchSize, len(work))
		chunk := work[batchStart:batchEnd]

		results := extractChunk(ctx, logger, chunk, params.Workers, params.FileTimeout)

		batch := make([]PhotoRecord, 0, len(chunk))
		for i, res := range results {
			c := chunk[i]
			if res.err != nil {
				report.FailedExtraction++
				report.Failures = append(report.Failures, FileFailure{Path: c.path, Reason: res.err.Error()})
				logger.Warn("extraction failed",
					zap.String("filepath", c.path),
					zap.Error(res.err))
				if isIOFailure(res.err) {
					consecutiveIOFailures++
					if consecutiveIOFailures >= ioFailureAbortThreshold {
						report.Duration = time.Since(start)
						return report, fmt.Errorf("aborting run: %d consecutive I/O failures, source tree appears unreachable (last: %w)",
							consecutiveIOFailures, res.err)
					}
				}
				continue
			}
			consecutiveIOFailures = 0

			record := PhotoRecord{
				Filename:  c.filename,
				Path:      c.path,
				Latitude:  res.meta.Latitude,
				Longitude: res.meta.Longitude,
				Taken:     res.meta.Taken,
				Hash:      res.meta.Hash,
				FileSize:  c.size,
				ModTime:   c.modTime.Unix(),
				LibraryID: lib.ID,
			}
			if fp, ok := fingerprints[c.path]; ok {
				record.ID = fp.id
			}
			if record.Latitude == nil {
				report.WithoutGPS++
			}
			batch = append(batch, record)
		}

		// surface within-run duplicate groups before committing; rows
		// all persist (paths are distinct), the marker feed keeps only
		// the canonical member of each group
		canonical := ResolveDuplicates(append(runRecords, batch...), params.DedupKey)
		collapsed := len(runRecords) + len(batch) - len(canonical)
		if collapsed > report.DuplicatesCollapsed {
			logger.Debug("duplicate copies detected in run",
				zap.Int("collapsed", collapsed))
		}
		report.DuplicatesCollapsed = collapsed
		runRecords = append(runRecords, batch...)

		inserted, updated, err := s.commitBatch(ctx, batch)
		report.Inserted += inserted
		report.Updated += updated
		if err != nil {
			report.Duration = time.Since(start)
			return report, fmt.Errorf("committing batch: %w", err)
		}
	}

	report.Duration = time.Since(start)

	Log.Named("ingest.report").Info("ingestion complete",
		zap.String("library", report.Library),
		zap.String("source_dir", report.SourceDir),
		zap.Int("scanned", report.Scanned),
		zap.Int("inserted", report.Inserted),
		zap.Int("updated", report.Updated),
		zap.Int("skipped_unchanged", report.SkippedUnchanged),
		zap.Int("failed_extraction", report.FailedExtraction),
		zap.Int("without_gps", report.WithoutGPS),
		zap.Int("duplicates_collapsed", report.DuplicatesCollapsed),
		zap.Duration("duration", report.Duration))

	return report, nil
}

// resolveLibrary loads or creates the library row and records the
// source directory with it.
func (s *Storage) resolveLibrary(ctx context.Context, params IngestParameters, sourceCanonical string) (Library, error) {
	s.dbMu.Lock()
	defer s.dbMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Library{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	lib, err := getOrCreateLibrary(ctx, tx, params.Library, params.Description, sourceCanonical)
	if err != nil {
		return Library{}, err
	}
	if err := tx.Commit(); err != nil {
		return Library{}, fmt.Errorf("committing library row: %w", err)
	}
	return lib, nil
}

// commitBatch writes one batch of records in a single transaction, in
// traversal order. Either the whole batch becomes visible or none of
// it does; previously committed batches are unaffected by a failure
// here.
func (s *Storage) commitBatch(ctx context.Context, batch []PhotoRecord) (inserted, updated int, err error) {
	if len(batch) == 0 {
		return 0, 0, nil
	}

	s.dbMu.Lock()
	defer s.dbMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, record := range batch {
		isNew, err := upsertPhoto(ctx, tx, record)
		if err != nil {
			// integrity problems reject the record, not the batch
			if errors.Is(err, errInvalidCoordinates) || errors.Is(err, errHalfCoordinates) {
				Log.Error("rejecting record",
					zap.String("filepath", record.Path),
					zap.Int64("library_id", record.LibraryID),
					zap.Error(err))
				continue
			}
			return 0, 0, err
		}
		if isNew {
			inserted++
		} else {
			updated++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("committing: %w", err)
	}
	return inserted, updated, nil
}

type extractionResult struct {
	meta exifmeta.Metadata
	err  error
}

// extractChunk runs extraction for a batch of candidates across the
// worker pool. Workers share no mutable state; each produces an
// immutable result consumed by the coordinator.
func extractChunk(ctx context.Context, logger *zap.Logger, chunk []candidate, workers int, timeout time.Duration) []extractionResult {
	results := make([]extractionResult, len(chunk))
	jobs := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results[i] = extractOne(ctx, logger, chunk[i], timeout)
			}
		}()
	}

	for i := range chunk {
		select {
		case <-ctx.Done():
			// unprocessed entries surface as canceled results
			for j := i; j < len(chunk); j++ {
				results[j] = extractionResult{err: ctx.Err()}
			}
			close(jobs)
			wg.Wait()
			return results
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()
	return results
}

func extractOne(ctx context.Context, logger *zap.Logger, c candidate, timeout time.Duration) extractionResult {
	done := make(chan extractionResult, 1)
	go func() {
		meta, err := exifmeta.Extract(logger, filepath.FromSlash(c.path))
		done <- extractionResult{meta: meta, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		return res
	case <-timer.C:
		return extractionResult{err: fmt.Errorf("%w (%s)", errExtractionTimeout, timeout)}
	case <-ctx.Done():
		return extractionResult{err: ctx.Err()}
	}
}

// isIOFailure distinguishes filesystem-level problems from metadata
// problems; only the former escalate to aborting a run.
func isIOFailure(err error) bool {
	if errors.Is(err, errExtractionTimeout) || errors.Is(err, context.Canceled) {
		return false
	}
	var pathErr *os.PathError
	return errors.As(err, &pathErr) || errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission)
}
