// Copyright 2023 Sylabs Inc. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package pathutil

import (
	"path/filepath"
	"strings"
)

const (
	// WhiteoutPrefix marks a tar entry as a deletion of its same-named
	// sibling (with the prefix stripped).
	WhiteoutPrefix = ".wh."

	// OpaqueMarker marks a directory as opaque: all entries contributed by
	// lower layers under the directory are hidden.
	OpaqueMarker = ".wh..wh..opq"
)

// IsWhiteout reports whether name (a tar member's base name) is a
// non-opaque whiteout marker.
func IsWhiteout(name string) bool {
	base := filepath.Base(name)
	return strings.HasPrefix(base, WhiteoutPrefix) && base != OpaqueMarker
}

// IsOpaque reports whether name (a tar member's base name) is an opaque
// directory marker.
func IsOpaque(name string) bool {
	return filepath.Base(name) == OpaqueMarker
}

// WhiteoutTarget returns the normalized path of the file hidden by a
// whiteout marker at normalizedMarkerPath. The caller must have already
// confirmed IsWhiteout(normalizedMarkerPath).
func WhiteoutTarget(normalizedMarkerPath string) string {
	dir, base := filepath.Split(normalizedMarkerPath)
	return Normalize(dir + strings.TrimPrefix(base, WhiteoutPrefix))
}

// OpaqueScope returns the normalized directory made opaque by an opaque
// marker at normalizedMarkerPath.
func OpaqueScope(normalizedMarkerPath string) string {
	return filepath.Dir(normalizedMarkerPath)
}

// Marker is a whiteout marker staged for possible emission in the squashed
// output, keyed by its own normalized path.
type Marker struct {
	// Path is the normalized path of the marker file itself.
	Path string
	// Target is the normalized path of the file the marker hides.
	Target string
}

// ReduceMarkers removes any marker whose target lies inside a directory
// that is itself being whited out by another marker in the set (i.e. one of
// whose target's proper ancestors is another marker's target). Only the
// outermost marker of a shadowed hierarchy survives: emitting both
// /opt/.wh.testing and /opt/testing/.wh.file causes some runtimes to reject
// the image.
func ReduceMarkers(markers []Marker) []Marker {
	targets := make(map[string]bool, len(markers))
	for _, m := range markers {
		targets[m.Target] = true
	}

	var out []Marker
	for _, m := range markers {
		shadowed := false
		for _, ancestor := range Ancestors(m.Target) {
			if ancestor == "/" {
				continue
			}
			if targets[ancestor] {
				shadowed = true
				break
			}
		}
		if !shadowed {
			out = append(out, m)
		}
	}

	return out
}
