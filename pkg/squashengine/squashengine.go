// Copyright 2023 Sylabs Inc. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package squashengine merges a stack of layer tars into one, applying the
// union-filesystem overlay rules a container runtime applies at read time:
// newer layers win, whiteout markers delete what they target, and opaque
// directory markers blank out everything beneath them in older layers.
package squashengine

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/container-squash/imgsquash/pkg/archive"
	"github.com/container-squash/imgsquash/pkg/pathutil"
	"github.com/container-squash/imgsquash/squasherr"
)

type stagedMarker struct {
	header *tar.Header
}

type engine struct {
	tw *tar.Writer

	membersWritten int

	filesInToMove map[string]bool

	squashedFiles     map[string]bool
	filesToSkip       map[string]bool
	directoriesToSkip map[string]bool

	markerStaging map[string]*stagedMarker
	markerOrder   []string
}

// Squash merges layerPaths, given oldest to newest, into a single tar written
// to w. filesInToMove is the set of normalized paths present in the layers
// that remain beneath the squash, untouched; it decides whether a whiteout
// must survive into the squashed layer to keep hiding a file that still
// lives further down the image. It returns the number of members written,
// so callers can tell an empty squash result (every squashed layer was
// itself empty) from one that produced content.
func Squash(w io.Writer, layerPaths []string, filesInToMove map[string]bool) (int, error) {
	e := &engine{
		tw:                tar.NewWriter(w),
		filesInToMove:     filesInToMove,
		squashedFiles:     make(map[string]bool),
		filesToSkip:       make(map[string]bool),
		directoriesToSkip: make(map[string]bool),
		markerStaging:     make(map[string]*stagedMarker),
	}

	for i := len(layerPaths) - 1; i >= 0; i-- {
		if err := e.processLayer(layerPaths[i]); err != nil {
			return 0, fmt.Errorf("squashing layer %s: %w", layerPaths[i], err)
		}
	}

	if err := e.emitSurvivingMarkers(); err != nil {
		return 0, err
	}

	if err := e.tw.Close(); err != nil {
		return 0, err
	}

	return e.membersWritten, nil
}

// FilesInLayers scans each tar at paths and returns the set of normalized
// paths its members occupy. Used to compute filesInToMove from the layers
// left untouched by a squash.
func FilesInLayers(paths []string) (map[string]bool, error) {
	out := make(map[string]bool)

	for _, p := range paths {
		it, err := archive.Enumerate(p)
		if err != nil {
			return nil, err
		}

		for {
			hdr, _, err := it.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				it.Close()
				return nil, err
			}
			out[pathutil.Normalize(hdr.Name)] = true
		}

		if err := it.Close(); err != nil {
			return nil, err
		}
	}

	return out, nil
}

func (e *engine) processLayer(layerPath string) error {
	it, err := archive.Enumerate(layerPath)
	if err != nil {
		return err
	}
	defer it.Close()

	var opaqueDirsThisLayer []string

	for {
		hdr, body, err := it.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}

		normalized := pathutil.Normalize(hdr.Name)

		if pathutil.IsOpaque(hdr.Name) {
			opaqueDirsThisLayer = append(opaqueDirsThisLayer, pathutil.OpaqueScope(normalized))
			continue
		}

		if pathutil.IsWhiteout(hdr.Name) {
			e.stageWhiteout(normalized, hdr)
			continue
		}

		if err := e.emitRegularMember(hdr, body, normalized, layerPath); err != nil {
			return err
		}
	}

	for _, d := range opaqueDirsThisLayer {
		e.directoriesToSkip[d] = true
	}

	return nil
}

func (e *engine) stageWhiteout(normalized string, hdr *tar.Header) {
	target := pathutil.WhiteoutTarget(normalized)
	e.filesToSkip[target] = true

	if e.squashedFiles[target] || !e.filesInToMove[target] {
		e.filesToSkip[normalized] = true
	}

	if _, ok := e.markerStaging[normalized]; ok {
		return
	}

	h := *hdr
	e.markerStaging[normalized] = &stagedMarker{header: &h}
	e.markerOrder = append(e.markerOrder, normalized)
}

func (e *engine) emitRegularMember(hdr *tar.Header, body io.Reader, normalized, layerPath string) error {
	if e.dropMember(normalized) {
		return nil
	}

	outHdr := *hdr

	if hdr.Typeflag == tar.TypeLink {
		targetHdr, content, err := resolveHardLink(layerPath, hdr.Linkname)
		if err != nil {
			return fmt.Errorf("resolving hard link %s -> %s: %w", hdr.Name, hdr.Linkname, err)
		}

		outHdr.Typeflag = tar.TypeReg
		outHdr.Linkname = ""
		outHdr.Size = targetHdr.Size
		body = bytes.NewReader(content)
	}

	if err := e.tw.WriteHeader(&outHdr); err != nil {
		return fmt.Errorf("writing %s: %w", outHdr.Name, err)
	}

	if outHdr.Size > 0 {
		if _, err := io.CopyN(e.tw, body, outHdr.Size); err != nil {
			return fmt.Errorf("copying %s: %w", outHdr.Name, err)
		}
	}

	e.squashedFiles[normalized] = true
	e.membersWritten++
	if outHdr.Typeflag != tar.TypeDir {
		e.directoriesToSkip[normalized] = true
	}

	return nil
}

// dropMember reports whether the member at normalized must not be emitted:
// it falls inside an already-whited-out scope, it was already emitted by a
// newer layer, or it (or an ancestor of it) is an explicit-skip target.
func (e *engine) dropMember(normalized string) bool {
	if e.squashedFiles[normalized] || e.filesToSkip[normalized] {
		return true
	}

	for _, a := range pathutil.Ancestors(normalized) {
		if e.filesToSkip[a] || e.directoriesToSkip[a] {
			return true
		}
	}

	return false
}

func (e *engine) emitSurvivingMarkers() error {
	survivors := make([]pathutil.Marker, 0, len(e.markerOrder))
	byPath := make(map[string]*stagedMarker, len(e.markerOrder))

	for _, p := range e.markerOrder {
		m := e.markerStaging[p]
		target := pathutil.WhiteoutTarget(p)

		if !e.filesInToMove[target] || e.squashedFiles[target] {
			continue
		}

		survivors = append(survivors, pathutil.Marker{Path: p, Target: target})
		byPath[p] = m
	}

	reduced := pathutil.ReduceMarkers(survivors)

	for _, m := range reduced {
		staged := byPath[m.Path]
		hdr := *staged.header
		hdr.Typeflag = tar.TypeReg
		hdr.Linkname = ""
		hdr.Size = 0

		if err := e.tw.WriteHeader(&hdr); err != nil {
			return fmt.Errorf("writing whiteout marker %s: %w", hdr.Name, err)
		}
		e.membersWritten++
	}

	return nil
}

// resolveHardLink reads the header and full content of the member named
// linkname within the tar at layerPath. Hard links only ever target members
// of their own layer's tar, so this re-scans that one archive rather than
// holding the whole layer in memory up front.
func resolveHardLink(layerPath, linkname string) (*tar.Header, []byte, error) {
	f, err := os.Open(layerPath)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	tr := tar.NewReader(f)
	want := pathutil.Normalize(linkname)

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil, nil, fmt.Errorf("%w: link target %q not found", squasherr.ErrBrokenHardLink, linkname)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", squasherr.ErrArchiveCorrupt, err)
		}

		if hdr.Name != linkname && pathutil.Normalize(hdr.Name) != want {
			continue
		}

		content := make([]byte, hdr.Size)
		if _, err := io.ReadFull(tr, content); err != nil {
			return nil, nil, fmt.Errorf("%w: reading link target %q: %v", squasherr.ErrArchiveCorrupt, linkname, err)
		}

		h := *hdr
		return &h, content, nil
	}
}
