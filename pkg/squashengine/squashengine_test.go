// Copyright 2023 Sylabs Inc. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package squashengine

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
)

type tarEntry struct {
	name     string
	content  string
	typeflag byte
	linkname string
}

func writeLayerTar(t *testing.T, path string, entries []tarEntry) {
	t.Helper()

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer f.Close()

	tw := tar.NewWriter(f)
	for _, e := range entries {
		hdr := &tar.Header{
			Name:     e.name,
			Mode:     0o644,
			Size:     int64(len(e.content)),
			Typeflag: e.typeflag,
			Linkname: e.linkname,
		}
		if hdr.Typeflag == 0 {
			hdr.Typeflag = tar.TypeReg
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("WriteHeader(%s): %v", e.name, err)
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := tw.Write([]byte(e.content)); err != nil {
				t.Fatalf("Write(%s): %v", e.name, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func readTarNames(t *testing.T, data []byte) map[string]*tar.Header {
	t.Helper()

	out := make(map[string]*tar.Header)
	tr := tar.NewReader(bytes.NewReader(data))
	for {
		hdr, err := tr.Next()
		if err != nil {
			break
		}
		h := *hdr
		out[hdr.Name] = &h
	}
	return out
}

// Scenario 1: layers create /a, remove /a (.wh.a), create /b. Squashing the
// last two produces a single layer with /b and /.wh.a, the latter not a hard
// link.
func TestSquashBasicMarker(t *testing.T) {
	dir := t.TempDir()

	older := filepath.Join(dir, "older.tar")
	newer := filepath.Join(dir, "newer.tar")

	writeLayerTar(t, older, []tarEntry{{name: ".wh.a", content: ""}})
	writeLayerTar(t, newer, []tarEntry{{name: "b", content: "x"}})

	out := new(bytes.Buffer)
	if _, err := Squash(out, []string{older, newer}, map[string]bool{"/a": true}); err != nil {
		t.Fatalf("Squash: %v", err)
	}

	members := readTarNames(t, out.Bytes())
	if _, ok := members["b"]; !ok {
		t.Errorf("missing b: %v", members)
	}
	wh, ok := members[".wh.a"]
	if !ok {
		t.Fatalf("missing .wh.a: %v", members)
	}
	if wh.Typeflag != tar.TypeReg {
		t.Errorf(".wh.a typeflag = %v, want TypeReg", wh.Typeflag)
	}
}

// Scenario 2: L1 creates /d1/foobar; L2 has /d1/.wh..wh..opq and /d1/foo.
// Squashing yields /d1/foo and no /d1/foobar.
func TestSquashOpaqueDirectory(t *testing.T) {
	dir := t.TempDir()

	l1 := filepath.Join(dir, "l1.tar")
	l2 := filepath.Join(dir, "l2.tar")

	writeLayerTar(t, l1, []tarEntry{{name: "d1/foobar", content: "x"}})
	writeLayerTar(t, l2, []tarEntry{
		{name: "d1/.wh..wh..opq", content: ""},
		{name: "d1/foo", content: "y"},
	})

	out := new(bytes.Buffer)
	if _, err := Squash(out, []string{l1, l2}, map[string]bool{}); err != nil {
		t.Fatalf("Squash: %v", err)
	}

	members := readTarNames(t, out.Bytes())
	if _, ok := members["d1/foo"]; !ok {
		t.Errorf("missing d1/foo: %v", members)
	}
	if _, ok := members["d1/foobar"]; ok {
		t.Errorf("d1/foobar should have been hidden by the opaque marker")
	}
	if _, ok := members["d1/.wh..wh..opq"]; ok {
		t.Errorf("opaque marker itself should not be re-emitted")
	}
}

// Scenario 3: layers create /file (content X) and /link as a hard link to
// /file, then remove /file. Squashing produces one regular file /link with
// content X and no /file.
func TestSquashHardLinkSurvivesTargetRemoval(t *testing.T) {
	dir := t.TempDir()

	older := filepath.Join(dir, "older.tar")
	newer := filepath.Join(dir, "newer.tar")

	writeLayerTar(t, older, []tarEntry{
		{name: "file", content: "X"},
		{name: "link", typeflag: tar.TypeLink, linkname: "file"},
	})
	writeLayerTar(t, newer, []tarEntry{{name: ".wh.file", content: ""}})

	out := new(bytes.Buffer)
	if _, err := Squash(out, []string{older, newer}, map[string]bool{}); err != nil {
		t.Fatalf("Squash: %v", err)
	}

	tr := tar.NewReader(bytes.NewReader(out.Bytes()))
	var link *tar.Header
	var linkContent []byte
	for {
		hdr, err := tr.Next()
		if err != nil {
			break
		}
		if hdr.Name == "link" {
			h := *hdr
			link = &h
			linkContent, _ = readAll(tr, hdr.Size)
		}
		if hdr.Name == "file" {
			t.Errorf("file should have been dropped by the whiteout")
		}
		if hdr.Name == ".wh.file" {
			t.Errorf(".wh.file should not survive: its target never lived in a moved layer")
		}
	}

	if link == nil {
		t.Fatalf("link not found in output")
	}
	if link.Typeflag != tar.TypeReg {
		t.Errorf("link typeflag = %v, want TypeReg", link.Typeflag)
	}
	if string(linkContent) != "X" {
		t.Errorf("link content = %q, want X", linkContent)
	}
}

func readAll(r *tar.Reader, size int64) ([]byte, error) {
	buf := make([]byte, size)
	_, err := io.ReadFull(r, buf)
	return buf, err
}

func TestSquashReturnsZeroCountWhenEmpty(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.tar")
	writeLayerTar(t, empty, nil)

	out := new(bytes.Buffer)
	n, err := Squash(out, []string{empty}, map[string]bool{})
	if err != nil {
		t.Fatalf("Squash: %v", err)
	}
	if n != 0 {
		t.Errorf("membersWritten = %d, want 0", n)
	}
}

func TestFilesInLayers(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "l.tar")
	writeLayerTar(t, p, []tarEntry{{name: "a/b", content: "x"}})

	got, err := FilesInLayers([]string{p})
	if err != nil {
		t.Fatalf("FilesInLayers: %v", err)
	}
	if !got["/a/b"] {
		t.Errorf("FilesInLayers = %v, want /a/b present", got)
	}
}
