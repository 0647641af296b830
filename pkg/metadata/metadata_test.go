// Copyright 2023 Sylabs Inc. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package metadata

import (
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"

	"github.com/container-squash/imgsquash/pkg/ojson"
)

func TestNowTrimsTrailingFractionalZeros(t *testing.T) {
	whole := time.Date(2020, 5, 6, 0, 24, 38, 0, time.UTC)
	if got, want := Now(whole), "2020-05-06T00:24:38Z"; got != want {
		t.Errorf("Now(whole) = %q, want %q", got, want)
	}

	partial := time.Date(2020, 5, 6, 0, 24, 38, 120000000, time.UTC)
	if got, want := Now(partial), "2020-05-06T00:24:38.12Z"; got != want {
		t.Errorf("Now(partial) = %q, want %q", got, want)
	}
}

func TestPathID(t *testing.T) {
	if got, want := PathID("sha256:abcd"), "abcd"; got != want {
		t.Errorf("PathID = %q, want %q", got, want)
	}
	if got, want := PathID("abcd"), "abcd"; got != want {
		t.Errorf("PathID = %q, want %q", got, want)
	}
}

func parseObject(t *testing.T, s string) *ojson.Object {
	t.Helper()
	v, err := ojson.Parse([]byte(s))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	obj, ok := v.(*ojson.Object)
	if !ok {
		t.Fatalf("%s is not an object", s)
	}
	return obj
}

func TestNewImageConfig(t *testing.T) {
	old := parseObject(t, `{"architecture":"amd64","container":"cid","config":{"Image":"sha256:old"},`+
		`"history":[{"created":"2020-01-01T00:00:00Z"},{"created":"2020-01-02T00:00:00Z"}],`+
		`"rootfs":{"type":"layers","diff_ids":["sha256:aaaa","sha256:bbbb"]}}`)

	cfg := NewImageConfig(old, NewImageConfigInput{
		Comment:        "squash",
		Created:        "2020-01-03T00:00:00Z",
		SquashID:       "sha256:aaaa",
		HistoryLen:     1,
		DiffIDLen:      1,
		SquashedDiffID: "cccc",
	})

	if _, ok := cfg.Get("container"); ok {
		t.Errorf("container should have been removed")
	}

	configVal, _ := cfg.Get("config")
	configObj := configVal.(*ojson.Object)
	if img, _ := configObj.Get("Image"); img != ojson.String("sha256:aaaa") {
		t.Errorf("config.Image = %v, want sha256:aaaa", img)
	}

	historyVal, _ := cfg.Get("history")
	history := historyVal.(ojson.Array)
	if len(history) != 2 {
		t.Fatalf("len(history) = %d, want 2", len(history))
	}
	last := history[1].(*ojson.Object)
	if _, empty := last.Get("empty_layer"); empty {
		t.Errorf("last history entry should not be empty_layer since SquashedDiffID is set")
	}

	rootfsVal, _ := cfg.Get("rootfs")
	rootfs := rootfsVal.(*ojson.Object)
	diffIDsVal, _ := rootfs.Get("diff_ids")
	diffIDs := diffIDsVal.(ojson.Array)
	if len(diffIDs) != 2 || diffIDs[1] != ojson.String("sha256:cccc") {
		t.Errorf("diff_ids = %v, want [sha256:aaaa sha256:cccc]", diffIDs)
	}
}

func TestNewImageConfigAllSquashedLayersEmpty(t *testing.T) {
	old := parseObject(t, `{"config":{},"history":[{"created":"2020-01-01T00:00:00Z"}],` +
		`"rootfs":{"type":"layers","diff_ids":["sha256:aaaa"]}}`)

	cfg := NewImageConfig(old, NewImageConfigInput{
		Comment:        "squash",
		Created:        "2020-01-02T00:00:00Z",
		HistoryLen:     1,
		DiffIDLen:      1,
		SquashedDiffID: "",
	})

	historyVal, _ := cfg.Get("history")
	history := historyVal.(ojson.Array)
	last := history[len(history)-1].(*ojson.Object)
	if v, ok := last.Get("empty_layer"); !ok || v != ojson.Bool(true) {
		t.Errorf("last history entry should be empty_layer: %v", last)
	}

	rootfsVal, _ := cfg.Get("rootfs")
	rootfs := rootfsVal.(*ojson.Object)
	diffIDsVal, _ := rootfs.Get("diff_ids")
	diffIDs := diffIDsVal.(ojson.Array)
	if len(diffIDs) != 1 {
		t.Errorf("diff_ids = %v, want unchanged length 1", diffIDs)
	}
}

func TestImageIDHashesBodyPlusNewline(t *testing.T) {
	cfg := ojson.NewObject()
	cfg.Set("a", ojson.Number("1"))

	id, fileBytes := ImageID(cfg)

	if string(fileBytes) != `{"a":1}`+"\n" {
		t.Errorf("fileBytes = %q", fileBytes)
	}
	if len(id) != 64 {
		t.Errorf("id = %q, want 64 hex chars", id)
	}
}

func TestSquashedLayerDirIDAppendsLayerIDOSParentAtEnd(t *testing.T) {
	old := parseObject(t, `{"os":"linux","container":"cid","architecture":"amd64",` +
		`"history":[{}],"rootfs":{"type":"layers","diff_ids":["sha256:aaaa"]}}`)

	_, doc := SquashedLayerDirID(old, SquashedLayerDirIDInput{
		Created:      "2020-01-02T00:00:00Z",
		ChainID:      "chain0",
		ParentPathID: "parenthex",
		SquashID:     "sha256:parenthex",
	})

	members := doc.Members()
	last := members[len(members)-3:]
	if last[0].Key != "layer_id" || last[1].Key != "os" || last[2].Key != "parent" {
		t.Fatalf("members = %+v, want layer_id, os, parent last in that order", members)
	}
	if last[0].Value != ojson.String("sha256:chain0") {
		t.Errorf("layer_id = %v", last[0].Value)
	}
	if last[1].Value != ojson.String("linux") {
		t.Errorf("os = %v, want linux", last[1].Value)
	}

	if _, ok := doc.Get("history"); ok {
		t.Errorf("history should have been removed")
	}
	if _, ok := doc.Get("rootfs"); ok {
		t.Errorf("rootfs should have been removed")
	}
	if _, ok := doc.Get("container"); ok {
		t.Errorf("container should have been removed")
	}
	parentVal, _ := doc.Get("parent")
	if parentVal != ojson.String("sha256:parenthex") {
		t.Errorf("parent = %v, want sha256:parenthex", parentVal)
	}
}

func TestSquashedLayerDirIDNoParent(t *testing.T) {
	old := parseObject(t, `{"history":[{}]}`)

	_, doc := SquashedLayerDirID(old, SquashedLayerDirIDInput{
		Created: "2020-01-02T00:00:00Z",
		ChainID: "chain0",
	})

	if _, ok := doc.Get("parent"); ok {
		t.Errorf("parent should be absent when no layers were moved")
	}
}

func TestSquashedLayerJSON(t *testing.T) {
	base := parseObject(t, `{"created":"2020-01-01T00:00:00Z","container":"cid",` +
		`"config":{"Image":"sha256:old"},"parent":"sha256:grandparent"}`)

	out := SquashedLayerJSON(base, SquashedLayerJSONInput{
		Created:      "2020-01-02T00:00:00Z",
		ParentPathID: "parenthex",
		SquashID:     "sha256:parenthex",
		DirID:        "dirid123",
	})

	doc := parseObject(t, string(out))
	if _, ok := doc.Get("container"); ok {
		t.Errorf("container should have been removed")
	}
	if v, _ := doc.Get("parent"); v != ojson.String("parenthex") {
		t.Errorf("parent = %v, want bare parenthex", v)
	}
	if v, _ := doc.Get("id"); v != ojson.String("dirid123") {
		t.Errorf("id = %v, want dirid123", v)
	}
	if out[len(out)-1] == '\n' {
		t.Errorf("squashed layer json must not end with a newline")
	}
}

func TestSquashedLayerJSONNoParentDropsField(t *testing.T) {
	base := parseObject(t, `{"parent":"sha256:grandparent","config":{}}`)

	out := SquashedLayerJSON(base, SquashedLayerJSONInput{
		Created: "2020-01-02T00:00:00Z",
		DirID:   "dirid123",
	})

	doc := parseObject(t, string(out))
	if _, ok := doc.Get("parent"); ok {
		t.Errorf("parent should have been dropped")
	}
}

func TestManifestDocumentGolden(t *testing.T) {
	out := ManifestDocument(ManifestInput{
		ConfigPath: "deadbeef.json",
		RepoTags:   []string{"example:latest"},
		Layers:     []string{"aaaa/layer.tar", "bbbb/layer.tar"},
	})

	g := goldie.New(t, goldie.WithTestNameForDir(true))
	g.Assert(t, "manifest", out)
}

func TestManifestDocumentNoRepoTags(t *testing.T) {
	out := ManifestDocument(ManifestInput{ConfigPath: "deadbeef.json", Layers: []string{"aaaa/layer.tar"}})

	want := `[{"Config":"deadbeef.json","Layers":["aaaa/layer.tar"]}]` + "\n"
	if string(out) != want {
		t.Errorf("ManifestDocument = %q, want %q", out, want)
	}
}

func TestRepositoriesDocument(t *testing.T) {
	out := RepositoriesDocument("example", "latest", "dirid123")
	want := `{"example":{"latest":"dirid123"}}` + "\n"
	if string(out) != want {
		t.Errorf("RepositoriesDocument = %q, want %q", out, want)
	}
}

func TestRepositoriesDocumentEmptyNameOrTag(t *testing.T) {
	if out := RepositoriesDocument("", "latest", "dirid123"); out != nil {
		t.Errorf("RepositoriesDocument with empty name = %v, want nil", out)
	}
	if out := RepositoriesDocument("example", "", "dirid123"); out != nil {
		t.Errorf("RepositoriesDocument with empty tag = %v, want nil", out)
	}
}
