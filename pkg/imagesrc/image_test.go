// Copyright 2023 Sylabs Inc. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package imagesrc

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func writeLegacyArchive(t *testing.T, root string, history []map[string]any, layerHexes []string) {
	t.Helper()

	config := map[string]any{
		"architecture": "amd64",
		"history":      history,
		"rootfs":       map[string]any{"type": "layers", "diff_ids": []string{}},
	}
	configBytes, err := json.Marshal(config)
	if err != nil {
		t.Fatalf("Marshal config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "image.json"), configBytes, 0o644); err != nil {
		t.Fatalf("WriteFile config: %v", err)
	}

	var layers []string
	for _, hex := range layerHexes {
		dir := filepath.Join(root, hex)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("MkdirAll: %v", err)
		}
		if err := os.WriteFile(filepath.Join(dir, "layer.tar"), nil, 0o644); err != nil {
			t.Fatalf("WriteFile layer.tar: %v", err)
		}
		layers = append(layers, hex+"/layer.tar")
	}

	manifest := []map[string]any{{
		"Config":   "image.json",
		"RepoTags": []string{"example:latest"},
		"Layers":   layers,
	}}
	manifestBytes, err := json.Marshal(manifest)
	if err != nil {
		t.Fatalf("Marshal manifest: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "manifest.json"), manifestBytes, 0o644); err != nil {
		t.Fatalf("WriteFile manifest: %v", err)
	}
}

func TestOpenLegacyNoEmptyLayers(t *testing.T) {
	root := t.TempDir()
	writeLegacyArchive(t, root, []map[string]any{
		{"created": "2020-01-01T00:00:00Z"},
		{"created": "2020-01-02T00:00:00Z"},
	}, []string{"aaaa", "bbbb"})

	img, err := Open(root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if len(img.Layers) != 2 {
		t.Fatalf("len(Layers) = %d, want 2", len(img.Layers))
	}
	if img.Layers[0].ID != "sha256:aaaa" || img.Layers[1].ID != "sha256:bbbb" {
		t.Errorf("Layers = %+v", img.Layers)
	}
	if img.Layers[0].IsVirtual() || img.Layers[1].IsVirtual() {
		t.Errorf("expected no virtual layers: %+v", img.Layers)
	}
}

func TestOpenLegacyWithEmptyLayer(t *testing.T) {
	root := t.TempDir()
	writeLegacyArchive(t, root, []map[string]any{
		{"created": "2020-01-01T00:00:00Z"},
		{"created": "2020-01-02T00:00:00Z", "empty_layer": true},
		{"created": "2020-01-03T00:00:00Z"},
	}, []string{"aaaa", "bbbb"})

	img, err := Open(root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if len(img.Layers) != 3 {
		t.Fatalf("len(Layers) = %d, want 3", len(img.Layers))
	}
	if img.Layers[0].ID != "sha256:aaaa" {
		t.Errorf("Layers[0] = %+v", img.Layers[0])
	}
	if !img.Layers[1].IsVirtual() || img.Layers[1].ID != "<missing-1>" {
		t.Errorf("Layers[1] = %+v, want virtual <missing-1>", img.Layers[1])
	}
	if img.Layers[2].ID != "sha256:bbbb" {
		t.Errorf("Layers[2] = %+v", img.Layers[2])
	}
}

func TestDetectUnknownFormat(t *testing.T) {
	root := t.TempDir()
	if _, err := Detect(root); err == nil {
		t.Errorf("Detect on empty dir: want error, got nil")
	}
}

func TestTarPathsDropsVirtual(t *testing.T) {
	layers := []LayerRecord{
		{ID: "sha256:aaaa", TarPath: "/x/aaaa/layer.tar"},
		{ID: "<missing-1>"},
		{ID: "sha256:bbbb", TarPath: "/x/bbbb/layer.tar"},
	}

	got := TarPaths(layers, IDs(layers))
	want := []string{"/x/aaaa/layer.tar", "/x/bbbb/layer.tar"}

	if len(got) != len(want) {
		t.Fatalf("TarPaths = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("TarPaths[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
