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
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func writeTestFile(t *testing.T, path string, contents []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, contents, 0o644); err != nil {
		t.Fatal(err)
	}
}

// buildTestTree lays out a small photo collection: plain JPEGs without
// metadata, a duplicate filename pair, a geotagged HEIC, and files the
// walker must ignore. Returns the root and the count of supported
// image files.
func buildTestTree(t *testing.T) (string, int) {
	t.Helper()
	root := t.TempDir()
	writeTestFile(t, filepath.Join(root, "a.jpg"), []byte("jpeg body a"))
	writeTestFile(t, filepath.Join(root, "b.jpg"), []byte("jpeg body b"))
	writeTestFile(t, filepath.Join(root, "dupe.jpg"), []byte("copy one"))
	writeTestFile(t, filepath.Join(root, "geo.heic"), buildGeotaggedHEIC())
	writeTestFile(t, filepath.Join(root, "notes.txt"), []byte("not an image"))
	writeTestFile(t, filepath.Join(root, ".hidden", "h.jpg"), []byte("hidden"))
	writeTestFile(t, filepath.Join(root, "sub", "c.jpg"), []byte("jpeg body c"))
	writeTestFile(t, filepath.Join(root, "sub", "DUPE.JPG"), []byte("copy two"))
	return root, 6
}

func TestIngestLifecycle(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	root, wantScanned := buildTestTree(t)

	params := IngestParameters{Library: "Main", SourceDir: root}

	report, err := s.Ingest(ctx, params)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if report.Scanned != wantScanned {
		t.Errorf("scanned = %d, want %d", report.Scanned, wantScanned)
	}
	if report.Inserted != wantScanned {
		t.Errorf("inserted = %d, want %d", report.Inserted, wantScanned)
	}
	if report.FailedExtraction != 0 {
		t.Errorf("failed extraction = %d: %+v", report.FailedExtraction, report.Failures)
	}
	if report.WithoutGPS != wantScanned-1 {
		t.Errorf("without gps = %d, want %d", report.WithoutGPS, wantScanned-1)
	}
	if report.DuplicatesCollapsed != 1 {
		t.Errorf("duplicates collapsed = %d, want 1", report.DuplicatesCollapsed)
	}

	// only the geotagged photo reaches the default feed
	markers, err := s.ListMarkers(ctx, MarkerFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(markers) != 1 {
		t.Fatalf("expected 1 geotagged marker, got %d", len(markers))
	}
	wantLat := -(37 + 46.0/60 + 29.98/3600)
	wantLon := -(122 + 25.0/60 + 9.84/3600)
	if math.Abs(*markers[0].Latitude-wantLat) > 1e-6 || math.Abs(*markers[0].Longitude-wantLon) > 1e-6 {
		t.Errorf("marker at (%f, %f), want (%f, %f)",
			*markers[0].Latitude, *markers[0].Longitude, wantLat, wantLon)
	}

	// the duplicate pair collapses in the full feed too
	markers, err = s.ListMarkers(ctx, MarkerFilter{IncludeMissingGPS: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(markers) != wantScanned-1 {
		t.Errorf("full feed has %d markers, want %d", len(markers), wantScanned-1)
	}

	// an unchanged tree re-ingests without re-extraction
	report, err = s.Ingest(ctx, params)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if report.Inserted != 0 || report.Updated != 0 {
		t.Errorf("unchanged rerun: inserted=%d updated=%d", report.Inserted, report.Updated)
	}
	if report.SkippedUnchanged != wantScanned {
		t.Errorf("skipped = %d, want %d", report.SkippedUnchanged, wantScanned)
	}

	// touching one file re-extracts exactly that file
	changed := filepath.Join(root, "a.jpg")
	writeTestFile(t, changed, []byte("jpeg body a, replaced"))
	if err := os.Chtimes(changed, time.Now().Add(2*time.Second), time.Now().Add(2*time.Second)); err != nil {
		t.Fatal(err)
	}
	report, err = s.Ingest(ctx, params)
	if err != nil {
		t.Fatalf("third run: %v", err)
	}
	if report.Updated != 1 || report.Inserted != 0 {
		t.Errorf("changed-file rerun: inserted=%d updated=%d", report.Inserted, report.Updated)
	}
	if report.SkippedUnchanged != wantScanned-1 {
		t.Errorf("skipped = %d, want %d", report.SkippedUnchanged, wantScanned-1)
	}

	// force re-extracts everything but inserts nothing new
	forceParams := params
	forceParams.Force = true
	report, err = s.Ingest(ctx, forceParams)
	if err != nil {
		t.Fatalf("force run: %v", err)
	}
	if report.SkippedUnchanged != 0 || report.Inserted != 0 || report.Updated != wantScanned {
		t.Errorf("force rerun: inserted=%d updated=%d skipped=%d",
			report.Inserted, report.Updated, report.SkippedUnchanged)
	}

	// clean wipes the library first, so everything inserts fresh
	cleanParams := params
	cleanParams.Clean = true
	report, err = s.Ingest(ctx, cleanParams)
	if err != nil {
		t.Fatalf("clean run: %v", err)
	}
	if report.Inserted != wantScanned {
		t.Errorf("clean rerun: inserted=%d, want %d", report.Inserted, wantScanned)
	}
}

func TestIngestPreconditions(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	if _, err := s.Ingest(ctx, IngestParameters{Library: "Main", SourceDir: filepath.Join(t.TempDir(), "missing")}); err == nil {
		t.Error("expected error for missing source directory")
	}

	file := filepath.Join(t.TempDir(), "file.jpg")
	writeTestFile(t, file, []byte("x"))
	if _, err := s.Ingest(ctx, IngestParameters{Library: "Main", SourceDir: file}); err == nil {
		t.Error("expected error for non-directory source")
	}

	if _, err := s.Ingest(ctx, IngestParameters{SourceDir: t.TempDir()}); err == nil {
		t.Error("expected error for empty library name")
	}
}

func TestIngestAccumulatesSourceDirs(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	dir1 := t.TempDir()
	dir2 := t.TempDir()
	writeTestFile(t, filepath.Join(dir1, "a.jpg"), []byte("a"))
	writeTestFile(t, filepath.Join(dir2, "b.jpg"), []byte("b"))

	if _, err := s.Ingest(ctx, IngestParameters{Library: "Main", SourceDir: dir1}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Ingest(ctx, IngestParameters{Library: "Main", SourceDir: dir2}); err != nil {
		t.Fatal(err)
	}
	// re-ingesting a known directory must not record it twice
	if _, err := s.Ingest(ctx, IngestParameters{Library: "Main", SourceDir: dir1}); err != nil {
		t.Fatal(err)
	}

	libs, err := s.ListLibraries(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(libs) != 1 {
		t.Fatalf("expected 1 library, got %d", len(libs))
	}
	if len(libs[0].SourceDirs) != 2 {
		t.Errorf("source dirs = %v, want both directories once", libs[0].SourceDirs)
	}
	if libs[0].PhotoCount != 2 {
		t.Errorf("photo count = %d, want 2", libs[0].PhotoCount)
	}
}

func TestConcurrentIngestDistinctLibraries(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	const perLibrary = 3
	makeTree := func() string {
		dir := t.TempDir()
		for i := 0; i < perLibrary; i++ {
			writeTestFile(t, filepath.Join(dir, fmt.Sprintf("img_%d.jpg", i)), []byte(fmt.Sprintf("body %d", i)))
		}
		return dir
	}
	trees := map[string]string{"Family": makeTree(), "Travel": makeTree()}

	var wg sync.WaitGroup
	errs := make(chan error, len(trees))
	for library, dir := range trees {
		library, dir := library, dir
		wg.Add(1)
		go func() {
			defer wg.Done()
			report, err := s.Ingest(ctx, IngestParameters{Library: library, SourceDir: dir})
			if err != nil {
				errs <- fmt.Errorf("%s: %w", library, err)
				return
			}
			if report.Inserted != perLibrary {
				errs <- fmt.Errorf("%s: inserted %d, want %d", library, report.Inserted, perLibrary)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	markers, err := s.ListMarkers(ctx, MarkerFilter{IncludeMissingGPS: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(markers) != 2*perLibrary {
		t.Errorf("total rows = %d, want %d", len(markers), 2*perLibrary)
	}
}

func TestIngestCanceledContext(t *testing.T) {
	s := newTestStorage(t)
	root, _ := buildTestTree(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Ingest(ctx, IngestParameters{Library: "Main", SourceDir: root})
	if err == nil {
		t.Fatal("expected error from canceled context")
	}
}

// buildGeotaggedHEIC constructs a minimal HEIF-branded container whose
// EXIF payload places the photo at 37°46'29.98" S, 122°25'9.84" W with a
// DateTime of 2019:08:05 14:02:10.
func buildGeotaggedHEIC() []byte {
	var buf bytes.Buffer

	// ftyp box with a HEIC major brand
	binary.Write(&buf, binary.BigEndian, uint32(24))
	buf.WriteString("ftypheic")
	binary.Write(&buf, binary.BigEndian, uint32(0))
	buf.WriteString("mif1miaf")

	tiff := buildGeotaggedTIFF()
	payload := append([]byte("Exif\x00\x00"), tiff...)
	binary.Write(&buf, binary.BigEndian, uint32(8+len(payload)))
	buf.WriteString("mdat")
	buf.Write(payload)

	return buf.Bytes()
}

func buildGeotaggedTIFF() []byte {
	const (
		typeASCII    = 2
		typeLong     = 4
		typeRational = 5

		gpsIFDOffset = 38
		dateOffset   = 92
		latRatOffset = 112
		lonRatOffset = 136
	)

	var buf bytes.Buffer
	le := binary.LittleEndian

	entry := func(tag, typ uint16, count, value uint32) {
		binary.Write(&buf, le, tag)
		binary.Write(&buf, le, typ)
		binary.Write(&buf, le, count)
		binary.Write(&buf, le, value)
	}
	asciiEntry := func(tag uint16, value string) {
		binary.Write(&buf, le, tag)
		binary.Write(&buf, le, uint16(typeASCII))
		binary.Write(&buf, le, uint32(len(value)+1))
		buf.WriteString(value)
		buf.Write(make([]byte, 4-len(value)))
	}
	rational := func(num, den uint32) {
		binary.Write(&buf, le, num)
		binary.Write(&buf, le, den)
	}

	buf.WriteString("II*\x00")
	binary.Write(&buf, le, uint32(8))

	// IFD0: DateTime + GPS sub-IFD pointer
	binary.Write(&buf, le, uint16(2))
	entry(0x0132, typeASCII, 20, dateOffset)
	entry(0x8825, typeLong, 1, gpsIFDOffset)
	binary.Write(&buf, le, uint32(0))

	// GPS IFD
	binary.Write(&buf, le, uint16(4))
	asciiEntry(0x0001, "S")
	entry(0x0002, typeRational, 3, latRatOffset)
	asciiEntry(0x0003, "W")
	entry(0x0004, typeRational, 3, lonRatOffset)
	binary.Write(&buf, le, uint32(0))

	buf.WriteString("2019:08:05 14:02:10\x00")
	rational(37, 1)
	rational(46, 1)
	rational(2998, 100)
	rational(122, 1)
	rational(25, 1)
	rational(984, 100)

	return buf.Bytes()
}
