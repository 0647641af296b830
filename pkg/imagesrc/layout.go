// Copyright 2023 Sylabs Inc. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package imagesrc reads an extracted image archive (Docker-legacy or OCI
// layout) into the manifest and per-layer identity information the rest of
// the engine operates on.
package imagesrc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	ociv1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/container-squash/imgsquash/pkg/ojson"
	"github.com/container-squash/imgsquash/squasherr"
)

// Layout resolves a manifest-specific layer reference to an on-disk blob
// path and reads the image manifest, hiding whether the source archive is
// Docker-legacy or OCI. Duck-typed branching between the two formats in the
// source implementation is replaced by this tagged variant.
type Layout interface {
	// ResolveLayerPath returns the absolute path of the blob ref points to:
	// a bare hex directory for Legacy ("<hex>/layer.tar"), a digest under
	// blobs/sha256 for OCI ("sha256:<hex>").
	ResolveLayerPath(ref string) string
	// ReadManifest returns the Docker-legacy-shaped manifest document: an
	// array with one object carrying Config, RepoTags, and Layers.
	ReadManifest() (ojson.Value, error)
	// ResolveLayerMetadataPath returns the path of the per-layer "json"
	// sidecar file for ref, or "" if the layout has no such file (OCI
	// layers carry no equivalent).
	ResolveLayerMetadataPath(ref string) string
}

// Detect inspects root and returns the Layout that matches its contents.
func Detect(root string) (Layout, error) {
	if _, err := os.Stat(filepath.Join(root, "manifest.json")); err == nil {
		return &legacyLayout{root: root}, nil
	}
	if _, err := os.Stat(filepath.Join(root, "index.json")); err == nil {
		return &ociLayout{root: root}, nil
	}
	return nil, fmt.Errorf("%w: unable to detect image format at %s", squasherr.ErrInputInvalid, root)
}

type legacyLayout struct {
	root string
}

func (l *legacyLayout) ResolveLayerPath(ref string) string {
	return filepath.Join(l.root, filepath.FromSlash(ref))
}

func (l *legacyLayout) ReadManifest() (ojson.Value, error) {
	return readOJSON(filepath.Join(l.root, "manifest.json"))
}

func (l *legacyLayout) ResolveLayerMetadataPath(ref string) string {
	dir := filepath.Dir(filepath.FromSlash(ref))
	return filepath.Join(l.root, dir, "json")
}

// ociLayout is an OCI image-layout archive: index.json, oci-layout, and
// blobs/sha256/<digest>. A bundled manifest.json compatibility file, when
// present, is preferred over walking index.json.
type ociLayout struct {
	root string
}

func (o *ociLayout) ResolveLayerPath(ref string) string {
	hex := ref
	if i := strings.LastIndexByte(ref, ':'); i >= 0 {
		hex = ref[i+1:]
	}
	return filepath.Join(o.root, "blobs", "sha256", hex)
}

func (o *ociLayout) ReadManifest() (ojson.Value, error) {
	if _, err := os.Stat(filepath.Join(o.root, "manifest.json")); err == nil {
		return readOJSON(filepath.Join(o.root, "manifest.json"))
	}
	return o.readFromIndex()
}

func (o *ociLayout) ResolveLayerMetadataPath(ref string) string {
	return ""
}

func (o *ociLayout) readFromIndex() (ojson.Value, error) {
	raw, err := os.ReadFile(filepath.Join(o.root, "index.json"))
	if err != nil {
		return nil, fmt.Errorf("%w: reading index.json: %v", squasherr.ErrInputInvalid, err)
	}

	var idx ociv1.Index
	if err := json.Unmarshal(raw, &idx); err != nil {
		return nil, fmt.Errorf("%w: parsing index.json: %v", squasherr.ErrInputInvalid, err)
	}
	if len(idx.Manifests) == 0 {
		return nil, fmt.Errorf("%w: index.json carries no manifests", squasherr.ErrInputInvalid)
	}

	manifestPath := o.ResolveLayerPath(string(idx.Manifests[0].Digest))
	manifestBytes, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("%w: reading manifest blob: %v", squasherr.ErrInputInvalid, err)
	}

	var m ociv1.Manifest
	if err := json.Unmarshal(manifestBytes, &m); err != nil {
		return nil, fmt.Errorf("%w: parsing manifest blob: %v", squasherr.ErrInputInvalid, err)
	}

	entry := ojson.NewObject()
	entry.Set("Config", ojson.String(string(m.Config.Digest)))

	layers := make(ojson.Array, 0, len(m.Layers))
	for _, l := range m.Layers {
		layers = append(layers, ojson.String(string(l.Digest)))
	}
	entry.Set("Layers", layers)

	return ojson.Array{entry}, nil
}

func readOJSON(path string) (ojson.Value, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", squasherr.ErrInputInvalid, err)
	}

	v, err := ojson.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", squasherr.ErrArchiveCorrupt, path, err)
	}

	return v, nil
}
