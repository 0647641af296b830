// Copyright 2023 Sylabs Inc. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package workspace manages the scratch directory a squash run unpacks an
// image archive into and assembles its output under, mirroring the
// temp-dir-then-cleanup pattern the teacher uses for its own scratch blob
// caches.
package workspace

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/container-squash/imgsquash/squasherr"
)

// Workspace is a scratch directory holding the unpacked source archive
// (Root/source) and the assembled output tree (Root/output) for one squash
// run.
type Workspace struct {
	Root    string
	Source  string
	Output  string
	keep    bool
	removed bool
}

// New creates a fresh workspace under parent (os.TempDir() if empty). If
// dir is non-empty, it is used as the workspace root directly instead of a
// generated temp directory, and must not already exist.
func New(parent, dir string) (*Workspace, error) {
	root := dir
	if root == "" {
		d, err := os.MkdirTemp(parent, "imgsquash-")
		if err != nil {
			return nil, fmt.Errorf("%w: creating workspace: %v", squasherr.ErrInternal, err)
		}
		root = d
	} else {
		if _, err := os.Stat(root); err == nil {
			return nil, fmt.Errorf("%w: %s", squasherr.ErrWorkspaceExists, root)
		}
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, fmt.Errorf("%w: creating workspace %s: %v", squasherr.ErrInternal, root, err)
		}
	}

	ws := &Workspace{
		Root:   root,
		Source: filepath.Join(root, "source"),
		Output: filepath.Join(root, "output"),
	}

	for _, d := range []string{ws.Source, ws.Output} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("%w: creating %s: %v", squasherr.ErrInternal, d, err)
		}
	}

	return ws, nil
}

// Keep disables the automatic directory removal Close otherwise performs,
// for callers that want to inspect a failed run's scratch tree.
func (w *Workspace) Keep() {
	w.keep = true
}

// Close removes the workspace tree unless Keep was called.
func (w *Workspace) Close() error {
	if w.keep || w.removed {
		return nil
	}
	w.removed = true
	return os.RemoveAll(w.Root)
}

// DirSize returns the total size, in bytes, of regular files under dir.
func DirSize(dir string) (int64, error) {
	var total int64

	err := filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: computing directory size: %v", squasherr.ErrInternal, err)
	}

	return total, nil
}

// WriteFileAtomic writes content to a temp file in the same directory as
// path and renames it into place, so a reader never observes a partially
// written file.
func WriteFileAtomic(path string, content []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: creating temp file in %s: %v", squasherr.ErrInternal, dir, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: writing %s: %v", squasherr.ErrInternal, tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: closing %s: %v", squasherr.ErrInternal, tmpPath, err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: chmod %s: %v", squasherr.ErrInternal, tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: renaming into %s: %v", squasherr.ErrInternal, path, err)
	}

	return nil
}

// CopyFile copies src to dst, creating dst's parent directory if needed.
func CopyFile(dst, src string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("%w: %v", squasherr.ErrInternal, err)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("%w: opening %s: %v", squasherr.ErrInputInvalid, src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("%w: creating %s: %v", squasherr.ErrInternal, dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("%w: copying %s to %s: %v", squasherr.ErrInternal, src, dst, err)
	}

	return out.Close()
}
