// Copyright 2023 Sylabs Inc. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	dockerimage "github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	ggcrdaemon "github.com/google/go-containerregistry/pkg/v1/daemon"

	"github.com/container-squash/imgsquash/squasherr"
)

// maxLoadAttempts matches the reference implementation's retry count for a
// daemon load: a freshly started daemon occasionally refuses the first
// connection.
const maxLoadAttempts = 3

// LoadArchive loads img into the local daemon under ref, retrying up to
// maxLoadAttempts times with exponential backoff.
func LoadArchive(ctx context.Context, ref name.Reference, img v1.Image, timeout time.Duration) error {
	op := func() (struct{}, error) {
		dctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		if _, err := ggcrdaemon.Write(ref, img, ggcrdaemon.WithContext(dctx)); err != nil {
			return struct{}{}, fmt.Errorf("%w: loading %s into daemon: %v", squasherr.ErrDaemonUnavailable, ref, err)
		}
		return struct{}{}, nil
	}

	_, err := backoff.Retry(ctx, op, backoff.WithMaxTries(maxLoadAttempts))
	return err
}

// RemoveImage removes ref from the local daemon, for the --cleanup flag.
func RemoveImage(ctx context.Context, ref string) error {
	cli, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("%w: creating daemon client: %v", squasherr.ErrDaemonUnavailable, err)
	}
	defer cli.Close()

	if _, err := cli.ImageRemove(ctx, ref, dockerimage.RemoveOptions{}); err != nil {
		return fmt.Errorf("%w: removing %s: %v", squasherr.ErrDaemonUnavailable, ref, err)
	}

	return nil
}
