// Copyright 2023 Sylabs Inc. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package squash

import (
	"archive/tar"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/container-squash/imgsquash/pkg/layerselect"
	"github.com/container-squash/imgsquash/pkg/workspace"
	"github.com/container-squash/imgsquash/squasherr"
)

func writeTar(t *testing.T, path string, files map[string]string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer f.Close()

	tw := tar.NewWriter(f)
	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("WriteHeader: %v", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

// buildFixtureImage lays out a 3-layer Docker-legacy archive under dir:
// layer "aaaa" contributes /a, "bbbb" contributes /b, "cccc" contributes /c.
func buildFixtureImage(t *testing.T, dir string) {
	t.Helper()

	writeTar(t, filepath.Join(dir, "aaaa/layer.tar"), map[string]string{"a": "1"})
	writeTar(t, filepath.Join(dir, "bbbb/layer.tar"), map[string]string{"b": "2"})
	writeTar(t, filepath.Join(dir, "cccc/layer.tar"), map[string]string{"c": "3"})

	writeFile(t, filepath.Join(dir, "cccc/json"), `{"id":"cccc","created":"2020-01-01T00:00:00Z","os":"linux"}`)

	config := `{
		"created": "2020-01-01T00:00:00Z",
		"container": "deadbeef",
		"config": {"Image": "sha256:previous"},
		"os": "linux",
		"history": [
			{"created": "2020-01-01T00:00:00Z", "comment": "layer a"},
			{"created": "2020-01-01T00:00:01Z", "comment": "layer b"},
			{"created": "2020-01-01T00:00:02Z", "comment": "layer c"}
		],
		"rootfs": {
			"type": "layers",
			"diff_ids": ["sha256:diffA", "sha256:diffB", "sha256:diffC"]
		}
	}`
	writeFile(t, filepath.Join(dir, "config.json"), config)

	manifest := `[{
		"Config": "config.json",
		"RepoTags": ["registry.test/myrepo:latest"],
		"Layers": ["aaaa/layer.tar", "bbbb/layer.tar", "cccc/layer.tar"]
	}]`
	writeFile(t, filepath.Join(dir, "manifest.json"), manifest)
}

func TestRunSquashesLastTwoLayers(t *testing.T) {
	ws, err := workspace.New(t.TempDir(), "")
	if err != nil {
		t.Fatalf("workspace.New: %v", err)
	}
	defer ws.Close()

	buildFixtureImage(t, ws.Source)

	res, err := Run(ws, Options{
		Selector: layerselect.Selector{Count: 2},
		Comment:  "squashed by test",
		Now:      "2020-01-02T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.ImageID == "" {
		t.Error("ImageID is empty")
	}
	if !res.SquashedLayerCreated {
		t.Error("expected a new squashed layer to be created")
	}
	if res.LayersMoved != 1 || res.LayersSquashed != 2 {
		t.Errorf("LayersMoved=%d LayersSquashed=%d, want 1 and 2", res.LayersMoved, res.LayersSquashed)
	}

	if _, err := os.Stat(filepath.Join(ws.Output, res.ImageID+".json")); err != nil {
		t.Errorf("image config not written: %v", err)
	}
	if _, err := os.Stat(filepath.Join(ws.Output, "manifest.json")); err != nil {
		t.Errorf("manifest.json not written: %v", err)
	}

	entries, err := os.ReadDir(ws.Output)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var squashedDir string
	for _, e := range entries {
		if e.IsDir() && e.Name() != "aaaa" {
			squashedDir = e.Name()
		}
	}
	if squashedDir == "" {
		t.Fatal("no squashed layer directory found in output")
	}

	for _, name := range []string{"VERSION", "json", "layer.tar"} {
		if _, err := os.Stat(filepath.Join(ws.Output, squashedDir, name)); err != nil {
			t.Errorf("%s not written in squashed layer dir: %v", name, err)
		}
	}

	repositories := filepath.Join(ws.Output, "repositories")
	if _, err := os.Stat(repositories); err != nil {
		t.Errorf("repositories file not written: %v", err)
	}
}

func TestRunSingleLayerIsSquashUnnecessary(t *testing.T) {
	ws, err := workspace.New(t.TempDir(), "")
	if err != nil {
		t.Fatalf("workspace.New: %v", err)
	}
	defer ws.Close()

	buildFixtureImage(t, ws.Source)

	_, err = Run(ws, Options{Selector: layerselect.Selector{Count: 1}})
	if !errors.Is(err, squasherr.ErrSquashUnnecessary) {
		t.Fatalf("Run err = %v, want ErrSquashUnnecessary", err)
	}
}

func TestRunByLayerID(t *testing.T) {
	ws, err := workspace.New(t.TempDir(), "")
	if err != nil {
		t.Fatalf("workspace.New: %v", err)
	}
	defer ws.Close()

	buildFixtureImage(t, ws.Source)

	res, err := Run(ws, Options{
		Selector: layerselect.Selector{ID: "sha256:aaaa"},
		Now:      "2020-01-02T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.LayersMoved != 1 || res.LayersSquashed != 2 {
		t.Errorf("LayersMoved=%d LayersSquashed=%d, want 1 and 2", res.LayersMoved, res.LayersSquashed)
	}
}
