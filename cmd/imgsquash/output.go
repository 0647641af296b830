// Copyright 2023 Sylabs Inc. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/container-squash/imgsquash/pkg/archive"
	"github.com/container-squash/imgsquash/pkg/metadata"
	"github.com/container-squash/imgsquash/squasherr"
)

// packOutput packs the assembled output tree at dir into a tar archive at
// path. The archive is written to a temporary file beside path and renamed
// into place, so path never holds a half-written archive.
func packOutput(dir, path string) error {
	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("%w: creating output archive: %v", squasherr.ErrInternal, err)
	}

	if err := archive.PackDir(f, dir); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: closing output archive: %v", squasherr.ErrInternal, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: renaming output archive: %v", squasherr.ErrInternal, err)
	}
	return nil
}

// dockerTimeout reads DOCKER_TIMEOUT from v, falling back to its default
// when unset or unparseable.
func dockerTimeout(v *viper.Viper) int {
	n := v.GetInt("DOCKER_TIMEOUT")
	if n <= 0 {
		return 600
	}
	return n
}

// dockerHost resolves DOCKER_HOST, falling back to the deprecated
// DOCKER_CONNECTION alias when DOCKER_HOST is unset. Returns "" when neither
// is set, leaving the docker client to use its own default.
func dockerHost(v *viper.Viper) string {
	if host := v.GetString("DOCKER_HOST"); host != "" {
		return host
	}
	return v.GetString("DOCKER_CONNECTION")
}

func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}

// metadataNow returns the current time formatted the way image config
// timestamps are recorded.
func metadataNow() string {
	return metadata.Now(time.Now())
}
