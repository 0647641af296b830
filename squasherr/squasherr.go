// Copyright 2023 Sylabs Inc. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package squasherr holds the sentinel error kinds surfaced across the
// squash engine. Call sites wrap these with fmt.Errorf("...: %w", ...) so
// that errors.Is continues to match the kind regardless of how much context
// is layered on top.
package squasherr

import "errors"

var (
	// ErrInputInvalid indicates the image, layer, or selector supplied by
	// the caller could not be resolved.
	ErrInputInvalid = errors.New("input invalid")

	// ErrArchiveCorrupt indicates a tar header failed to parse.
	ErrArchiveCorrupt = errors.New("archive corrupt")

	// ErrArchiveTruncated indicates a tar stream ended before an announced
	// member was fully read.
	ErrArchiveTruncated = errors.New("archive truncated")

	// ErrBrokenHardLink indicates a hard link whose target is not present
	// in the same source tar.
	ErrBrokenHardLink = errors.New("broken hard link")

	// ErrWorkspaceExists indicates a caller-provided temporary directory
	// already exists.
	ErrWorkspaceExists = errors.New("workspace already exists")

	// ErrDaemonUnavailable indicates the container runtime could not be
	// reached or authenticated to.
	ErrDaemonUnavailable = errors.New("daemon unavailable")

	// ErrSquashUnnecessary indicates fewer than two layers were selected for
	// squashing; this is a soft, non-error exit path.
	ErrSquashUnnecessary = errors.New("squash unnecessary")

	// ErrInternal indicates an invariant was violated; this is always a
	// bug, never a user-input problem.
	ErrInternal = errors.New("internal invariant violation")
)
