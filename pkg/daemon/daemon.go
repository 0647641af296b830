// Copyright 2023 Sylabs Inc. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package daemon is the one external collaborator of the squash engine: it
// resolves an image reference against a local container runtime (falling
// back to a registry pull), exports an image's filesystem into the
// Docker-legacy layout the rest of the engine reads, and loads a squashed
// archive back in. Everything here is I/O; pkg/squash only ever sees the
// narrow interface it needs.
package daemon

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	ggcrdaemon "github.com/google/go-containerregistry/pkg/v1/daemon"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/tarball"

	"github.com/container-squash/imgsquash/squasherr"
)

// Resolve returns the image named by ref, preferring a local daemon and
// falling back to a registry pull, matching how the CLI's positional image
// argument behaves against whatever is already available locally.
func Resolve(ctx context.Context, ref string, timeout time.Duration) (v1.Image, error) {
	r, err := name.ParseReference(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing reference %q: %v", squasherr.ErrInputInvalid, ref, err)
	}

	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	img, daemonErr := ggcrdaemon.Image(r, ggcrdaemon.WithContext(dctx))
	if daemonErr == nil {
		return img, nil
	}

	img, remoteErr := remote.Image(r, remote.WithContext(ctx), remote.WithAuthFromKeychain(authn.DefaultKeychain))
	if remoteErr != nil {
		return nil, fmt.Errorf("%w: %q not found in daemon (%v) or registry (%v)", squasherr.ErrDaemonUnavailable, ref, daemonErr, remoteErr)
	}

	return img, nil
}

// FromArchive opens a Docker-legacy or OCI tar archive already on disk,
// for the --input-tar CLI path.
func FromArchive(path string) (v1.Image, error) {
	img, err := tarball.ImageFromPath(path, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: reading archive %s: %v", squasherr.ErrInputInvalid, path, err)
	}
	return img, nil
}

// ExportToWorkspace extracts img's Docker-legacy layout into dir. It writes
// the tarball.Write output into an io.Pipe, with one goroutine serializing
// the image and the caller's goroutine running archive.ExtractStream over
// the read side, matching this tool's one producer/one consumer
// concurrency model: no shared state crosses the pipe but the bytes
// themselves.
func ExportToWorkspace(ref name.Reference, img v1.Image, dir string, extract func(io.Reader, string) error) error {
	pr, pw := io.Pipe()

	errCh := make(chan error, 1)
	go func() {
		err := tarball.Write(ref, img, pw)
		pw.CloseWithError(err)
		errCh <- err
	}()

	if err := extract(pr, dir); err != nil {
		pr.CloseWithError(err)
		<-errCh
		return fmt.Errorf("%w: extracting exported image: %v", squasherr.ErrArchiveCorrupt, err)
	}

	if err := <-errCh; err != nil {
		return fmt.Errorf("%w: serializing image for export: %v", squasherr.ErrInternal, err)
	}

	return nil
}
