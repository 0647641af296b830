// Copyright 2023 Sylabs Inc. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package metadata

import "github.com/container-squash/imgsquash/pkg/ojson"

// ManifestInput carries the values ManifestDocument needs.
type ManifestInput struct {
	// ConfigPath is the new image config's file name, "<image-id>.json".
	ConfigPath string
	RepoTags   []string
	// Layers is the moved layers' "<hex>/layer.tar" refs, oldest first,
	// followed by the squashed layer's own ref if squashing produced any
	// content.
	Layers []string
}

// ManifestDocument builds manifest.json: a single-entry array naming the
// new config, the original repo tags, and the final layer list.
func ManifestDocument(in ManifestInput) []byte {
	entry := ojson.NewObject()
	entry.Set("Config", ojson.String(in.ConfigPath))

	if len(in.RepoTags) > 0 {
		tags := make(ojson.Array, len(in.RepoTags))
		for i, t := range in.RepoTags {
			tags[i] = ojson.String(t)
		}
		entry.Set("RepoTags", tags)
	}

	layers := make(ojson.Array, len(in.Layers))
	for i, l := range in.Layers {
		layers[i] = ojson.String(l)
	}
	entry.Set("Layers", layers)

	return append(ojson.Marshal(ojson.Array{entry}), '\n')
}

// RepositoriesDocument builds the legacy repositories file content,
// {"name":{"tag":dir-id}}. It returns nil if name or tag is empty: the
// reference implementation skips writing the file entirely rather than
// record a degenerate mapping.
func RepositoriesDocument(name, tag, dirID string) []byte {
	if name == "" || tag == "" {
		return nil
	}

	tags := ojson.NewObject()
	tags.Set(tag, ojson.String(dirID))

	root := ojson.NewObject()
	root.Set(name, tags)

	return append(ojson.Marshal(root), '\n')
}
