// Copyright 2023 Sylabs Inc. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package metadata

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/container-squash/imgsquash/pkg/ojson"
)

// VersionFileContent is the content of a squashed layer directory's VERSION
// file: the legacy v1 layer format version, unchanged since Docker
// introduced it.
const VersionFileContent = "1.0"

// SquashedLayerDirIDInput carries the values SquashedLayerDirID needs beyond
// the old image config.
type SquashedLayerDirIDInput struct {
	Created string
	ChainID string // the last chain-id, binding the squashed layer to all its ancestors
	// ParentPathID is PathID of the last moved layer, or "" if no layers
	// were moved (the squashed layer has no parent).
	ParentPathID string
	SquashID     string
}

// SquashedLayerDirID derives the squashed layer's on-disk directory name:
// the hex SHA-256 of a v1-compat metadata document built from the old image
// config, with history, rootfs, and container removed, and layer_id, os, and
// (if present) parent re-appended after every surviving key, in that order.
// This mirrors the legacy v1 image id Docker still uses to name layer
// directories.
func SquashedLayerDirID(old *ojson.Object, in SquashedLayerDirIDInput) (id string, doc *ojson.Object) {
	doc = old.Clone()
	doc.Set("created", ojson.String(in.Created))
	doc.Delete("history")
	doc.Delete("rootfs")
	doc.Delete("container")
	setConfigImage(doc, in.SquashID)

	osVal, ok := doc.Get("os")
	if !ok {
		osVal = ojson.String("")
	}

	doc.MoveToEnd("layer_id", ojson.String("sha256:"+in.ChainID))
	doc.MoveToEnd("os", osVal)

	if in.ParentPathID != "" {
		doc.MoveToEnd("parent", ojson.String("sha256:"+in.ParentPathID))
	}

	sum := sha256.Sum256(ojson.Marshal(doc))
	return hex.EncodeToString(sum[:]), doc
}

// SquashedLayerJSONInput carries the values SquashedLayerJSON needs beyond
// the squash-base layer's own old per-layer config.
type SquashedLayerJSONInput struct {
	Created string
	// ParentPathID is PathID of the last moved layer; "" omits the parent
	// field entirely.
	ParentPathID string
	SquashID     string
	DirID        string
}

// SquashedLayerJSON builds the squashed/<dir-id>/json file: the squash-base
// layer's own config (the newest layer among those squashed, not the old
// image config), with created, config.Image, parent, and id updated, and
// container removed. Unlike the image config and manifest files, the bytes
// this returns are written to disk with no trailing newline.
func SquashedLayerJSON(base *ojson.Object, in SquashedLayerJSONInput) []byte {
	doc := base.Clone()
	doc.Set("created", ojson.String(in.Created))
	doc.Delete("container")
	setConfigImage(doc, in.SquashID)

	if in.ParentPathID == "" {
		doc.Delete("parent")
	} else {
		doc.Set("parent", ojson.String(in.ParentPathID))
	}

	doc.Set("id", ojson.String(in.DirID))

	return ojson.Marshal(doc)
}
