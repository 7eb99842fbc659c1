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
	"math"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestDMSToDecimal(t *testing.T) {
	rat := func(num, den int64) *big.Rat { return big.NewRat(num, den) }

	tests := []struct {
		name    string
		parts   []*big.Rat
		ref     string
		expect  float64
		wantErr bool
	}{
		{
			name:   "northern hemisphere DMS",
			parts:  []*big.Rat{rat(37, 1), rat(46, 1), rat(2998, 100)},
			ref:    "N",
			expect: 37 + 46.0/60 + 29.98/3600,
		},
		{
			name:   "southern hemisphere is negative",
			parts:  []*big.Rat{rat(33, 1), rat(52, 1), rat(0, 1)},
			ref:    "S",
			expect: -(33 + 52.0/60),
		},
		{
			name:   "western hemisphere is negative",
			parts:  []*big.Rat{rat(122, 1), rat(25, 1), rat(984, 100)},
			ref:    "W",
			expect: -(122 + 25.0/60 + 9.84/3600),
		},
		{
			name:   "single fractional-degree rational",
			parts:  []*big.Rat{rat(514833, 10000)},
			ref:    "N",
			expect: 51.4833,
		},
		{
			name:   "degrees and minutes only",
			parts:  []*big.Rat{rat(10, 1), rat(30, 1)},
			ref:    "E",
			expect: 10.5,
		},
		{
			name:   "lowercase ref still applies sign",
			parts:  []*big.Rat{rat(45, 1), rat(0, 1), rat(0, 1)},
			ref:    "w",
			expect: -45,
		},
		{
			name:    "empty parts",
			parts:   nil,
			ref:     "N",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := dmsToDecimal(tt.parts, tt.ref)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if math.Abs(got-tt.expect) > 1e-6 {
				t.Errorf("got %.8f, want %.8f", got, tt.expect)
			}
		})
	}
}

func TestParseXMPTime(t *testing.T) {
	for input, expect := range map[string]string{
		"2021-06-15T10:30:00Z":      "2021-06-15T10:30:00Z",
		"2021-06-15T10:30:00+02:00": "2021-06-15T10:30:00+02:00",
		"2021-06-15T10:30:00":       "2021-06-15T10:30:00Z",
		"2021-06-15":                "2021-06-15T00:00:00Z",
	} {
		got := parseXMPTime(input)
		if got == nil {
			t.Errorf("parseXMPTime(%q) = nil", input)
			continue
		}
		want, err := time.Parse(time.RFC3339, expect)
		if err != nil {
			t.Fatal(err)
		}
		if !got.Equal(want) {
			t.Errorf("parseXMPTime(%q) = %v, want %v", input, got, want)
		}
	}

	for _, input := range []string{"", "garbage", "15/06/2021"} {
		if got := parseXMPTime(input); got != nil {
			t.Errorf("parseXMPTime(%q) = %v, want nil", input, got)
		}
	}
}

func TestSupportedImage(t *testing.T) {
	for input, expect := range map[string]bool{
		"photo.jpg":          true,
		"photo.JPG":          true,
		"photo.jpeg":         true,
		"photo.heic":         true,
		"photo.HEIF":         true,
		"scan.tiff":          true,
		"raw.NEF":            true,
		"raw.cr2":            true,
		"notes.txt":          false,
		"movie.mp4":          false,
		"photo.jpg.bak":      false,
		"no_extension":       false,
		"/some/dir/img.png":  true,
		"C:/photos/img.arw":  true,
		"archive.tar.gz":     false,
		"screenshot.PNG.old": false,
	} {
		if got := SupportedImage(input); got != expect {
			t.Errorf("SupportedImage(%q) = %v, want %v", input, got, expect)
		}
	}
}

func TestExtractUnreadableFile(t *testing.T) {
	_, err := Extract(zap.NewNop(), filepath.Join(t.TempDir(), "does-not-exist.jpg"))
	if err == nil {
		t.Fatal("expected I/O error for missing file")
	}
}

func TestExtractNoMetadata(t *testing.T) {
	// a file with a photo extension but no EXIF must degrade to empty
	// metadata, never to an error
	path := filepath.Join(t.TempDir(), "garbage.jpg")
	if err := os.WriteFile(path, []byte("this is not a real JPEG at all"), 0o644); err != nil {
		t.Fatal(err)
	}

	meta, err := Extract(zap.NewNop(), path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta.Hash == "" {
		t.Error("expected content hash to be set")
	}
	if meta.Latitude != nil || meta.Longitude != nil {
		t.Error("expected no coordinates")
	}
	if meta.Taken != nil {
		t.Error("expected no capture time")
	}
}

func TestExtractHashIsContentAddressed(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.jpg")
	b := filepath.Join(dir, "b.jpg")
	c := filepath.Join(dir, "c.jpg")
	if err := os.WriteFile(a, []byte("same bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte("same bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(c, []byte("different bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	metaA, err := Extract(zap.NewNop(), a)
	if err != nil {
		t.Fatal(err)
	}
	metaB, err := Extract(zap.NewNop(), b)
	if err != nil {
		t.Fatal(err)
	}
	metaC, err := Extract(zap.NewNop(), c)
	if err != nil {
		t.Fatal(err)
	}

	if metaA.Hash != metaB.Hash {
		t.Error("identical contents should hash identically")
	}
	if metaA.Hash == metaC.Hash {
		t.Error("different contents should hash differently")
	}
}

func TestExtractFromHEIC(t *testing.T) {
	// a synthetic HEIF container with an embedded EXIF payload placing
	// the photo in San Francisco's southern/western quadrant signs
	path := filepath.Join(t.TempDir(), "fixture.heic")
	if err := os.WriteFile(path, buildHEICFixture(), 0o644); err != nil {
		t.Fatal(err)
	}

	meta, err := Extract(zap.NewNop(), path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta.Latitude == nil || meta.Longitude == nil {
		t.Fatal("expected coordinates from HEIC EXIF payload")
	}

	wantLat := -(37 + 46.0/60 + 29.98/3600)
	wantLon := -(122 + 25.0/60 + 9.84/3600)
	if math.Abs(*meta.Latitude-wantLat) > 1e-6 {
		t.Errorf("latitude = %.8f, want %.8f", *meta.Latitude, wantLat)
	}
	if math.Abs(*meta.Longitude-wantLon) > 1e-6 {
		t.Errorf("longitude = %.8f, want %.8f", *meta.Longitude, wantLon)
	}

	if meta.Taken == nil {
		t.Fatal("expected capture time from EXIF payload")
	}
	want := time.Date(2019, 8, 5, 14, 2, 10, 0, time.UTC)
	if !meta.Taken.Equal(want) {
		t.Errorf("capture time = %v, want %v", meta.Taken, want)
	}
}
