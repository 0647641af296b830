// Copyright 2023 Sylabs Inc. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strconv"

	"github.com/container-squash/imgsquash/pkg/layerselect"
	"github.com/container-squash/imgsquash/squasherr"
)

// parseSelector turns --from-layer's value into a layerselect.Selector: a
// bare integer means "squash the last N layers", anything else is taken as
// a layer id to squash from. An empty value squashes every layer.
func parseSelector(fromLayer string) (layerselect.Selector, error) {
	if fromLayer == "" {
		return layerselect.Selector{}, nil
	}

	if n, err := strconv.Atoi(fromLayer); err == nil {
		if n <= 0 {
			return layerselect.Selector{}, fmt.Errorf("%w: --from-layer must be a positive count or a layer id, got %q", squasherr.ErrInputInvalid, fromLayer)
		}
		return layerselect.Selector{Count: n}, nil
	}

	return layerselect.Selector{ID: fromLayer}, nil
}
