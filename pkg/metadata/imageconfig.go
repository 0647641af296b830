// Copyright 2023 Sylabs Inc. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package metadata

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/container-squash/imgsquash/pkg/ojson"
)

// NewImageConfigInput carries the values NewImageConfig needs beyond the old
// image config itself.
type NewImageConfigInput struct {
	Comment  string
	Created  string
	SquashID string // layerselect.Result.SquashID; "" if no layers were moved

	// HistoryLen is the number of history entries (including empty-layer
	// placeholders) kept from the old config before appending the new
	// squash entry: one per moved layer.
	HistoryLen int
	// DiffIDLen is the number of rootfs.diff_ids entries kept from the old
	// config before appending the squashed layer's own diff-id: one per
	// non-empty moved layer.
	DiffIDLen int
	// SquashedDiffID is the diff-id of the new squashed layer tar, or ""
	// if squashing produced no content (every squashed layer was empty).
	SquashedDiffID string
}

// NewImageConfig builds the image config the squashed image carries: old's
// fields unchanged except for created, history, rootfs.diff_ids, and
// config.Image. container is dropped, since the new image is not bound to
// the container that produced it.
func NewImageConfig(old *ojson.Object, in NewImageConfigInput) *ojson.Object {
	cfg := old.Clone()
	cfg.Set("created", ojson.String(in.Created))
	cfg.Delete("container")
	setConfigImage(cfg, in.SquashID)

	history, _ := cfg.Get("history")
	arr, _ := history.(ojson.Array)
	if len(arr) > in.HistoryLen {
		arr = arr[:in.HistoryLen]
	}

	entry := ojson.NewObject()
	entry.Set("comment", ojson.String(in.Comment))
	entry.Set("created", ojson.String(in.Created))
	if in.SquashedDiffID == "" {
		entry.Set("empty_layer", ojson.Bool(true))
	}
	cfg.Set("history", append(arr, entry))

	rootfsVal, _ := cfg.Get("rootfs")
	rootfs, ok := rootfsVal.(*ojson.Object)
	if !ok {
		rootfs = ojson.NewObject()
		rootfs.Set("type", ojson.String("layers"))
	}

	diffIDsVal, _ := rootfs.Get("diff_ids")
	diffIDs, _ := diffIDsVal.(ojson.Array)
	if len(diffIDs) > in.DiffIDLen {
		diffIDs = diffIDs[:in.DiffIDLen]
	}
	if in.SquashedDiffID != "" {
		diffIDs = append(diffIDs, ojson.String("sha256:"+in.SquashedDiffID))
	}
	rootfs.Set("diff_ids", diffIDs)
	cfg.Set("rootfs", rootfs)

	return cfg
}

func setConfigImage(cfg *ojson.Object, squashID string) {
	sub, ok := cfg.Get("config")
	if !ok {
		return
	}
	obj, ok := sub.(*ojson.Object)
	if !ok {
		return
	}
	obj.Set("Image", ojson.String(squashID))
}

// ImageID returns the hex SHA-256 digest of cfg's canonical JSON encoding
// plus a trailing newline, and the exact bytes written to "<id>.json": the
// image id is defined as the hash of that file's contents, newline
// included.
func ImageID(cfg *ojson.Object) (id string, fileBytes []byte) {
	body := ojson.Marshal(cfg)
	fileBytes = append(body, '\n')
	sum := sha256.Sum256(fileBytes)
	return hex.EncodeToString(sum[:]), fileBytes
}
