// Copyright 2023 Sylabs Inc. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package archive streams POSIX tar archives to and from disk. All reads
// and writes are single-pass and streaming: a layer's tar bytes are never
// held in memory in full.
package archive

import (
	"archive/tar"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/container-squash/imgsquash/squasherr"
)

// hashChunkSize bounds the buffer used while streaming a file through
// sha256, per the "≤16 MiB chunks" guarantee.
const hashChunkSize = 16 << 20

// ExtractStream reads a tar stream in a single pass and materializes its
// members under dir as directories, symlinks, hard links, and regular
// files, applying permission bits and timestamps. PAX extended header
// records (xattrs and the like) are not applied to the extracted files.
func ExtractStream(r io.Reader, dir string) error {
	tr := tar.NewReader(r)

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return classifyTarError(err)
		}

		target := filepath.Join(dir, filepath.Clean("/"+hdr.Name))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		case tar.TypeLink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			linkTarget := filepath.Join(dir, filepath.Clean("/"+hdr.Linkname))
			_ = os.Remove(target)
			if err := os.Link(linkTarget, target); err != nil {
				return err
			}
		default:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode&0o777))
			if err != nil {
				return err
			}
			if _, err := io.CopyN(f, tr, hdr.Size); err != nil {
				f.Close()
				if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
					return fmt.Errorf("%s: %w", hdr.Name, squasherr.ErrArchiveTruncated)
				}
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		}

		if err := os.Chtimes(target, hdr.AccessTime, hdr.ModTime); err != nil && hdr.Typeflag != tar.TypeSymlink {
			// Best effort: some filesystems reject timestamps on special files.
			_ = err
		}
	}
}

// PackDir writes a PAX-format tar of dir's contents to w. Entries at the
// archive root are not prefixed with "./", matching the shape Docker
// produces: "repositories", "<layer>/json", not "./repositories".
func PackDir(w io.Writer, dir string) error {
	tw := tar.NewWriter(w)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, e := range entries {
		if err := addTree(tw, dir, e.Name()); err != nil {
			return err
		}
	}

	return tw.Close()
}

func addTree(tw *tar.Writer, base, rel string) error {
	full := filepath.Join(base, rel)

	info, err := os.Lstat(full)
	if err != nil {
		return err
	}

	link := ""
	if info.Mode()&os.ModeSymlink != 0 {
		link, err = os.Readlink(full)
		if err != nil {
			return err
		}
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	hdr.Name = filepath.ToSlash(rel)
	hdr.Format = tar.FormatPAX

	if info.IsDir() {
		hdr.Name += "/"
	}

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}

	if info.Mode().IsRegular() {
		f, err := os.Open(full)
		if err != nil {
			return err
		}
		defer f.Close()

		if _, err := io.Copy(tw, f); err != nil {
			return err
		}
	}

	if info.IsDir() {
		children, err := os.ReadDir(full)
		if err != nil {
			return err
		}
		for _, c := range children {
			if err := addTree(tw, base, filepath.Join(rel, c.Name())); err != nil {
				return err
			}
		}
	}

	return nil
}

// Enumerate returns a single-pass iterator of the members of the tar at
// tarPath, in document order.
func Enumerate(tarPath string) (*MemberIterator, error) {
	f, err := os.Open(tarPath)
	if err != nil {
		return nil, err
	}

	return &MemberIterator{f: f, tr: tar.NewReader(f)}, nil
}

// MemberIterator walks a tar archive's members in document order. It is not
// restartable.
type MemberIterator struct {
	f  *os.File
	tr *tar.Reader
}

// Next returns the next member, or io.EOF when the archive is exhausted.
func (it *MemberIterator) Next() (*tar.Header, io.Reader, error) {
	hdr, err := it.tr.Next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil, io.EOF
		}
		return nil, nil, classifyTarError(err)
	}
	return hdr, it.tr, nil
}

// Close releases the underlying file handle.
func (it *MemberIterator) Close() error {
	return it.f.Close()
}

// SHA256OfFile returns the hex SHA-256 digest of the file at path, streamed
// in bounded chunks.
func SHA256OfFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	return SHA256OfReader(f)
}

// SHA256OfReader returns the hex SHA-256 digest of all bytes read from r.
func SHA256OfReader(r io.Reader) (string, error) {
	h := sha256.New()
	buf := make([]byte, hashChunkSize)

	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

func classifyTarError(err error) error {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %v", squasherr.ErrArchiveTruncated, err)
	}
	return fmt.Errorf("%w: %v", squasherr.ErrArchiveCorrupt, err)
}
