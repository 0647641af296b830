// Copyright 2023 Sylabs Inc. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package imagesrc

import (
	"fmt"

	"github.com/container-squash/imgsquash/pkg/ojson"
	"github.com/container-squash/imgsquash/squasherr"
)

// MissingLayerPrefix marks a history entry with no corresponding on-disk
// layer (an empty Dockerfile instruction). Entries get a unique
// "<missing-N>" id, N being the history index, matching the placeholder the
// reference implementation synthesizes so that old_image_layers carries one
// entry per history record.
const MissingLayerPrefix = "<missing-"

// LayerRecord is one entry of an image's full layer list, in history order
// (oldest first). TarPath is empty for virtual (missing) layers.
type LayerRecord struct {
	ID      string
	TarPath string
	// Ref is the raw manifest layer reference ("<hex>/layer.tar" or
	// "sha256:<hex>"), empty for virtual layers. Kept alongside TarPath so
	// callers can resolve a layer's sibling metadata (e.g. the legacy
	// per-layer "json" file) through Layout.
	Ref string
}

// IsVirtual reports whether r has no corresponding on-disk layer.
func (r LayerRecord) IsVirtual() bool {
	return r.TarPath == ""
}

// ManifestEntry is the parsed first element of manifest.json: the one image
// this tool operates on.
type ManifestEntry struct {
	ConfigPath string
	RepoTags   []string
	// LayerRefs are the manifest-specific layer references (base to top),
	// as found in the manifest, not yet resolved to on-disk paths.
	LayerRefs []string
}

// Image is an opened source archive: its manifest, its old image config, and
// its full per-history-entry layer list.
type Image struct {
	Layout    Layout
	Manifest  ManifestEntry
	OldConfig *ojson.Object
	// Layers is oldest-to-newest, one entry per history record (including
	// virtual entries for empty layers). LayerSelector operates over the
	// IDs of this slice.
	Layers []LayerRecord
}

// Open reads the manifest and old image config rooted at dir and builds the
// full layer list.
func Open(dir string) (*Image, error) {
	layout, err := Detect(dir)
	if err != nil {
		return nil, err
	}

	manifestDoc, err := layout.ReadManifest()
	if err != nil {
		return nil, err
	}

	entry, err := firstManifestEntry(manifestDoc)
	if err != nil {
		return nil, err
	}

	configPath := layout.ResolveLayerPath(entry.ConfigPath)
	configDoc, err := readOJSON(configPath)
	if err != nil {
		return nil, err
	}

	oldConfig, ok := configDoc.(*ojson.Object)
	if !ok {
		return nil, fmt.Errorf("%w: image config %s is not a JSON object", squasherr.ErrInputInvalid, configPath)
	}

	layers, err := buildLayerList(oldConfig, entry.LayerRefs, layout)
	if err != nil {
		return nil, err
	}

	return &Image{
		Layout:    layout,
		Manifest:  entry,
		OldConfig: oldConfig,
		Layers:    layers,
	}, nil
}

func firstManifestEntry(doc ojson.Value) (ManifestEntry, error) {
	arr, ok := doc.(ojson.Array)
	if !ok || len(arr) == 0 {
		return ManifestEntry{}, fmt.Errorf("%w: manifest.json is not a non-empty array", squasherr.ErrInputInvalid)
	}

	obj, ok := arr[0].(*ojson.Object)
	if !ok {
		return ManifestEntry{}, fmt.Errorf("%w: manifest.json entry is not an object", squasherr.ErrInputInvalid)
	}

	configVal, ok := obj.Get("Config")
	if !ok {
		return ManifestEntry{}, fmt.Errorf("%w: manifest.json entry has no Config", squasherr.ErrInputInvalid)
	}
	configStr, ok := configVal.(ojson.String)
	if !ok {
		return ManifestEntry{}, fmt.Errorf("%w: manifest.json Config is not a string", squasherr.ErrInputInvalid)
	}

	var repoTags []string
	if v, ok := obj.Get("RepoTags"); ok {
		if arr, ok := v.(ojson.Array); ok {
			for _, t := range arr {
				if s, ok := t.(ojson.String); ok {
					repoTags = append(repoTags, string(s))
				}
			}
		}
	}

	var layerRefs []string
	layersVal, ok := obj.Get("Layers")
	if !ok {
		return ManifestEntry{}, fmt.Errorf("%w: manifest.json entry has no Layers", squasherr.ErrInputInvalid)
	}
	layersArr, ok := layersVal.(ojson.Array)
	if !ok {
		return ManifestEntry{}, fmt.Errorf("%w: manifest.json Layers is not an array", squasherr.ErrInputInvalid)
	}
	for _, l := range layersArr {
		s, ok := l.(ojson.String)
		if !ok {
			return ManifestEntry{}, fmt.Errorf("%w: manifest.json Layers entry is not a string", squasherr.ErrInputInvalid)
		}
		layerRefs = append(layerRefs, string(s))
	}

	return ManifestEntry{
		ConfigPath: string(configStr),
		RepoTags:   repoTags,
		LayerRefs:  layerRefs,
	}, nil
}

// buildLayerList expands layerRefs (the manifest's non-empty layers, base to
// top) against the old config's history into the full per-history-entry
// layer list, synthesizing "<missing-N>" ids for empty-layer history
// entries. Images with no history metadata at all fall back to a 1:1 mapping
// of layerRefs, since there is nothing to expand against.
func buildLayerList(oldConfig *ojson.Object, layerRefs []string, layout Layout) ([]LayerRecord, error) {
	historyVal, hasHistory := oldConfig.Get("history")
	history, _ := historyVal.(ojson.Array)

	if !hasHistory || len(history) == 0 {
		out := make([]LayerRecord, len(layerRefs))
		for i, ref := range layerRefs {
			out[i] = LayerRecord{ID: layerID(ref), TarPath: layout.ResolveLayerPath(ref), Ref: ref}
		}
		return out, nil
	}

	out := make([]LayerRecord, 0, len(history))
	refIdx := 0

	for i, h := range history {
		obj, _ := h.(*ojson.Object)
		if obj != nil && isEmptyLayer(obj) {
			out = append(out, LayerRecord{ID: fmt.Sprintf("%s%d>", MissingLayerPrefix, i)})
			continue
		}

		if refIdx >= len(layerRefs) {
			return nil, fmt.Errorf("%w: history entry %d has no corresponding layer in manifest", squasherr.ErrInputInvalid, i)
		}

		ref := layerRefs[refIdx]
		refIdx++
		out = append(out, LayerRecord{ID: layerID(ref), TarPath: layout.ResolveLayerPath(ref), Ref: ref})
	}

	return out, nil
}

func isEmptyLayer(entry *ojson.Object) bool {
	v, ok := entry.Get("empty_layer")
	if !ok {
		return false
	}
	b, ok := v.(ojson.Bool)
	return ok && bool(b)
}

// layerID normalizes a manifest layer reference into the "sha256:<hex>" form
// layer selection and logging use, regardless of source layout.
func layerID(ref string) string {
	if len(ref) > 7 && ref[:7] == "sha256:" {
		return ref
	}

	hex := ref
	for i := 0; i < len(ref); i++ {
		if ref[i] == '/' {
			hex = ref[:i]
			break
		}
	}
	return "sha256:" + hex
}

// LayerMetadata reads rec's sibling per-layer config document (the legacy
// "<hex>/json" file), returning an empty object if the layout carries no
// such sidecar or the file is absent, unreadable, or not valid JSON.
func (img *Image) LayerMetadata(rec LayerRecord) (*ojson.Object, error) {
	path := img.Layout.ResolveLayerMetadataPath(rec.Ref)
	if path == "" {
		return ojson.NewObject(), nil
	}

	doc, err := readOJSON(path)
	if err != nil {
		return ojson.NewObject(), nil
	}

	obj, ok := doc.(*ojson.Object)
	if !ok {
		return nil, fmt.Errorf("%w: layer metadata %s is not a JSON object", squasherr.ErrInputInvalid, path)
	}

	return obj, nil
}

// IDs returns the ordered ids of layers, for use with layerselect.Select.
func IDs(layers []LayerRecord) []string {
	out := make([]string, len(layers))
	for i, l := range layers {
		out[i] = l.ID
	}
	return out
}

// TarPaths returns the on-disk tar path of each id in ids that has one,
// preserving order and silently dropping virtual (missing) layers.
func TarPaths(layers []LayerRecord, ids []string) []string {
	byID := make(map[string]LayerRecord, len(layers))
	for _, l := range layers {
		byID[l.ID] = l
	}

	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if l, ok := byID[id]; ok && !l.IsVirtual() {
			out = append(out, l.TarPath)
		}
	}
	return out
}
