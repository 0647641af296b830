// Copyright 2023 Sylabs Inc. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package metadata assembles the documents a squash produces: the new image
// config, the squashed layer's v1-compat directory id and per-layer json,
// manifest.json, and the repositories file. Each builder works on
// pkg/ojson values so unknown fields and original key order survive
// unchanged, since the image id is the hash of the exact bytes written to
// disk.
package metadata

import (
	"strings"
	"time"
)

// timestampLayout relies on Go's own trailing-zero trimming for fractional
// seconds (the "9" placeholders in the reference time): a whole-second
// timestamp encodes with no fractional part at all, and a partial one keeps
// only its significant digits.
const timestampLayout = "2006-01-02T15:04:05.999999999Z"

// Now formats t as a Docker-style image timestamp.
func Now(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// PathID strips the "sha256:" prefix from a layer id, if present, returning
// the bare hex form legacy manifest Layers entries, parent fields, and
// config.Image use.
func PathID(layerID string) string {
	return strings.TrimPrefix(layerID, "sha256:")
}
