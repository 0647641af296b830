// Copyright 2023 Sylabs Inc. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package layerselect partitions an image's ordered layer list into the
// layers that are moved untouched and the (newest) layers that are
// squashed into one, per a caller-supplied "from" selector.
package layerselect

import (
	"fmt"
	"strings"

	"github.com/container-squash/imgsquash/pkg/imagesrc"
	"github.com/container-squash/imgsquash/squasherr"
)

// Selector chooses how many of the newest layers to squash. Exactly one of
// Count or ID should be set; ID takes precedence when both are present. The
// zero value (Count 0, ID "") means "squash every layer".
type Selector struct {
	// Count is "squash the last N layers". Ignored if ID is non-empty. 0
	// means every layer.
	Count int
	// ID resolves to a position in the layer list; the layer at that
	// position becomes the last of the moved layers.
	ID string
}

// Result is the outcome of partitioning a layer list.
type Result struct {
	ToMove   []string
	ToSquash []string
	// SquashID is the identifier of the last element of ToMove, or empty
	// string if ToMove is empty.
	SquashID string
}

// Select partitions layers (oldest to newest) per sel.
func Select(layers []string, sel Selector) (Result, error) {
	var n int

	if sel.ID != "" {
		if strings.HasPrefix(sel.ID, imagesrc.MissingLayerPrefix) {
			return Result{}, fmt.Errorf("%w: cannot squash from a layer with no id", squasherr.ErrInputInvalid)
		}

		pos := -1
		for i, l := range layers {
			if l == sel.ID {
				pos = i
				break
			}
		}
		if pos < 0 {
			return Result{}, fmt.Errorf("%w: layer %q not found in image", squasherr.ErrInputInvalid, sel.ID)
		}

		n = len(layers) - pos - 1
	} else if sel.Count == 0 {
		n = len(layers)
	} else {
		n = sel.Count
	}

	if sel.ID == "" && n <= 0 {
		return Result{}, fmt.Errorf("%w: number of layers to squash must be > 0, got %d", squasherr.ErrInputInvalid, n)
	}
	if n > len(layers) {
		return Result{}, fmt.Errorf("%w: cannot squash %d layers, image has only %d", squasherr.ErrInputInvalid, n, len(layers))
	}

	marker := len(layers) - n

	toMove := append([]string(nil), layers[:marker]...)
	toSquash := append([]string(nil), layers[marker:]...)

	if len(toSquash) < 2 {
		return Result{}, fmt.Errorf("%w", squasherr.ErrSquashUnnecessary)
	}

	squashID := ""
	if len(toMove) > 0 {
		squashID = toMove[len(toMove)-1]
	}

	return Result{ToMove: toMove, ToSquash: toSquash, SquashID: squashID}, nil
}
