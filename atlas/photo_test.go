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
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func fptr(v float64) *float64 { return &v }

func tptr(t time.Time) *time.Time { return &t }

func TestPhotoRecordValidate(t *testing.T) {
	tests := []struct {
		name    string
		record  PhotoRecord
		wantErr error
	}{
		{
			name:   "both coordinates in range",
			record: PhotoRecord{Latitude: fptr(48.8566), Longitude: fptr(2.3522)},
		},
		{
			name:   "no coordinates",
			record: PhotoRecord{},
		},
		{
			name:    "latitude without longitude",
			record:  PhotoRecord{Latitude: fptr(48.8566)},
			wantErr: errHalfCoordinates,
		},
		{
			name:    "longitude without latitude",
			record:  PhotoRecord{Longitude: fptr(2.3522)},
			wantErr: errHalfCoordinates,
		},
		{
			name:    "latitude out of range",
			record:  PhotoRecord{Latitude: fptr(91), Longitude: fptr(0.1)},
			wantErr: errInvalidCoordinates,
		},
		{
			name:    "longitude out of range",
			record:  PhotoRecord{Latitude: fptr(10), Longitude: fptr(-180.5)},
			wantErr: errInvalidCoordinates,
		},
		{
			name:   "boundary values are valid",
			record: PhotoRecord{Latitude: fptr(-90), Longitude: fptr(180)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.record.validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestMarkerData(t *testing.T) {
	t.Run("with capture time", func(t *testing.T) {
		p := PhotoRecord{
			Filename: "beach.jpg",
			Taken:    tptr(time.Date(2021, 6, 15, 10, 30, 0, 0, time.UTC)),
		}
		raw, err := p.markerData()
		if err != nil {
			t.Fatal(err)
		}
		var payload MarkerPayload
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			t.Fatal(err)
		}
		if payload.PopupText != "beach.jpg" {
			t.Errorf("popup text = %q", payload.PopupText)
		}
		if payload.ClusterGroup != "2021-06" {
			t.Errorf("cluster group = %q, want 2021-06", payload.ClusterGroup)
		}
	})

	t.Run("without capture time", func(t *testing.T) {
		raw, err := PhotoRecord{Filename: "scan.jpg"}.markerData()
		if err != nil {
			t.Fatal(err)
		}
		var payload MarkerPayload
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			t.Fatal(err)
		}
		if payload.ClusterGroup != "unknown" {
			t.Errorf("cluster group = %q, want unknown", payload.ClusterGroup)
		}
	})
}
