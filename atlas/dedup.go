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
	"sort"
	"strings"
)

// DedupKeyFunc maps a photo record to its duplicate-group key. Records
// with equal keys are judged to represent the same physical image.
type DedupKeyFunc func(PhotoRecord) string

// FilenameKey groups photos by case-folded base filename. This is the
// default policy: the same photo frequently recurs across source trees
// (backups, exports) with identical filenames but divergent paths and
// slightly re-geotagged coordinates, so keying on filename alone
// deduplicates copies that coordinate-exact matching would miss. The
// cost is that genuinely distinct photos sharing a name (camera
// auto-naming collisions like IMG_0001.jpg) collapse too; that
// trade-off is deliberate, favoring duplicate suppression.
func FilenameKey(p PhotoRecord) string {
	return strings.ToLower(p.Filename)
}

// FilenameHashKey groups photos by filename plus content hash: a
// stricter alternative that keeps coincidental name collisions apart
// at the price of treating re-encoded copies as distinct.
func FilenameHashKey(p PhotoRecord) string {
	return strings.ToLower(p.Filename) + "\x00" + p.Hash
}

// ResolveDuplicates partitions candidates into duplicate groups using
// key and returns one canonical record per group. The canonical member
// is the one with the lowest ID; records not yet assigned an ID (ID 0)
// tie-break by earliest position in candidates, which corresponds to
// earliest insertion order. The result preserves the order in which
// group representatives first appear.
func ResolveDuplicates(candidates []PhotoRecord, key DedupKeyFunc) []PhotoRecord {
	if key == nil {
		key = FilenameKey
	}

	type group struct {
		canonical PhotoRecord
		pos       int // position of canonical within candidates
		first     int // position where the group first appeared
	}
	groups := make(map[string]*group)

	for i, candidate := range candidates {
		k := key(candidate)
		g, ok := groups[k]
		if !ok {
			groups[k] = &group{canonical: candidate, pos: i, first: i}
			continue
		}
		if betterCanonical(candidate, i, g.canonical, g.pos) {
			g.canonical = candidate
			g.pos = i
		}
	}

	result := make([]PhotoRecord, 0, len(groups))
	order := make([]*group, 0, len(groups))
	for _, g := range groups {
		order = append(order, g)
	}
	sort.Slice(order, func(i, j int) bool { return order[i].first < order[j].first })
	for _, g := range order {
		result = append(result, g.canonical)
	}
	return result
}

// betterCanonical reports whether record a (at position posA) should be
// canonical over the current choice b (at posB): lowest ID wins, and
// unassigned IDs lose to assigned ones since an assigned ID means the
// row was inserted earlier.
func betterCanonical(a PhotoRecord, posA int, b PhotoRecord, posB int) bool {
	switch {
	case a.ID != 0 && b.ID != 0:
		return a.ID < b.ID
	case a.ID != 0:
		return true
	case b.ID != 0:
		return false
	default:
		return posA < posB
	}
}
