// Copyright 2023 Sylabs Inc. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package pathutil normalizes tar member paths and implements the
// whiteout/opaque-directory detection and marker-reduction rules that the
// squash engine relies on.
package pathutil

import "path/filepath"

// Normalize returns p as an absolute, cleaned path: the equivalent of
// Python's os.path.normpath(os.path.join("/", p)).
func Normalize(p string) string {
	return filepath.Clean("/" + p)
}

// Ancestors returns the ordered set of proper ancestors of p, from root down
// to (and including) the parent directory of p. p must already be
// normalized. The root "/" itself has no ancestors.
func Ancestors(p string) []string {
	if p == "/" {
		return nil
	}

	var out []string
	dir := filepath.Dir(p)

	for {
		out = append([]string{dir}, out...)
		if dir == "/" {
			break
		}
		dir = filepath.Dir(dir)
	}

	return out
}
