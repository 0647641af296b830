// Copyright 2023 Sylabs Inc. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/container-squash/imgsquash/pkg/archive"
	"github.com/container-squash/imgsquash/pkg/daemon"
	"github.com/container-squash/imgsquash/pkg/squash"
	"github.com/container-squash/imgsquash/pkg/workspace"
	"github.com/container-squash/imgsquash/squasherr"
)

// squashUnnecessaryExit is returned by the root command when the user asked
// for squash-unnecessary to be signaled as a process failure rather than a
// quiet success.
type squashUnnecessaryExit struct{}

func (squashUnnecessaryExit) Error() string { return squasherr.ErrSquashUnnecessary.Error() }
func (squashUnnecessaryExit) ExitCode() int { return 2 }

type rootFlags struct {
	inputTar        string
	fromLayer       string
	tag             string
	message         string
	cleanup         bool
	tmpDir          string
	outputPath      string
	loadImage       bool
	verbose         bool
	squashAsFailure bool
}

func newRootCommand(version string) *cobra.Command {
	var flags rootFlags

	v := viper.New()
	v.BindEnv("DOCKER_HOST")
	v.BindEnv("DOCKER_TIMEOUT")
	v.BindEnv("DOCKER_CONNECTION")
	v.SetDefault("DOCKER_TIMEOUT", 600)

	cmd := &cobra.Command{
		Use:     "imgsquash [flags] IMAGE",
		Short:   "Squash the trailing layers of a container image archive into one",
		Version: version,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var image string
			if len(args) == 1 {
				image = args[0]
			}
			return runSquash(cmd, image, flags, v)
		},
	}

	cmd.Flags().StringVar(&flags.inputTar, "input-tar", "", "path to a local image archive (mutually exclusive with the positional image)")
	cmd.Flags().StringVarP(&flags.fromLayer, "from-layer", "f", "", "number of layers to squash, or the id of the layer to squash from (default: squash all)")
	cmd.Flags().StringVarP(&flags.tag, "tag", "t", "", "tag the output image as NAME[:TAG]")
	cmd.Flags().StringVarP(&flags.message, "message", "m", "", "comment recorded on the new history entry")
	cmd.Flags().BoolVarP(&flags.cleanup, "cleanup", "c", false, "remove the source image from the daemon after a successful squash")
	cmd.Flags().StringVar(&flags.tmpDir, "tmp-dir", "", "scratch directory to use (implies retaining it on failure)")
	cmd.Flags().StringVar(&flags.outputPath, "output-path", "", "also write the squashed archive to this path (loading into the daemon is controlled by --load-image)")
	cmd.Flags().BoolVar(&flags.loadImage, "load-image", true, "load the squashed image into the daemon")
	cmd.Flags().BoolVarP(&flags.verbose, "verbose", "v", false, "enable debug logging")
	cmd.Flags().BoolVar(&flags.squashAsFailure, "squash-unnecessary-is-error", false, "exit 2 instead of 0 when fewer than two layers were selected")

	return cmd
}

func runSquash(cmd *cobra.Command, image string, flags rootFlags, v *viper.Viper) error {
	if image == "" && flags.inputTar == "" {
		return fmt.Errorf("%w: exactly one of IMAGE or --input-tar is required", squasherr.ErrInputInvalid)
	}
	if image != "" && flags.inputTar != "" {
		return fmt.Errorf("%w: IMAGE and --input-tar are mutually exclusive", squasherr.ErrInputInvalid)
	}

	log := newLogger(flags.verbose)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if host := dockerHost(v); host != "" {
		os.Setenv("DOCKER_HOST", host)
	}

	ws, err := workspace.New(os.TempDir(), flags.tmpDir)
	if err != nil {
		return err
	}

	succeeded := false
	defer func() {
		if !succeeded && flags.tmpDir != "" {
			ws.Keep()
			log.WithField("workspace", ws.Root).Warn("retaining workspace after failure")
		}
		if err := ws.Close(); err != nil {
			log.WithError(err).Warn("failed to remove workspace")
		}
	}()

	ref, sourceImage, err := resolveSource(ctx, image, flags.inputTar, dockerTimeout(v))
	if err != nil {
		return err
	}

	if err := daemon.ExportToWorkspace(ref, sourceImage, ws.Source, archive.ExtractStream); err != nil {
		return err
	}

	sourceSize, err := workspace.DirSize(ws.Source)
	if err != nil {
		return err
	}

	selector, err := parseSelector(flags.fromLayer)
	if err != nil {
		return err
	}

	res, err := squash.Run(ws, squash.Options{
		Selector: selector,
		Comment:  flags.message,
		Tag:      flags.tag,
		Now:      metadataNow(),
		Logger:   log,
	})
	if err != nil {
		if errors.Is(err, squasherr.ErrSquashUnnecessary) {
			log.Info("fewer than two layers selected, nothing to squash")
			if flags.squashAsFailure {
				return squashUnnecessaryExit{}
			}
			succeeded = true
			return nil
		}
		return err
	}

	outputSize, err := workspace.DirSize(ws.Output)
	if err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"image_id":    res.ImageID,
		"source_size": humanize.Bytes(uint64(sourceSize)),
		"output_size": humanize.Bytes(uint64(outputSize)),
	}).Info("squash finished")

	outputTarPath := flags.outputPath
	if outputTarPath == "" {
		outputTarPath = ws.Root + ".tar"
		defer os.Remove(outputTarPath)
	}
	if err := packOutput(ws.Output, outputTarPath); err != nil {
		return err
	}

	if flags.loadImage {
		if err := loadIntoDaemon(ctx, outputTarPath, res, dockerTimeout(v)); err != nil {
			return err
		}
	}

	if flags.cleanup && image != "" {
		if err := daemon.RemoveImage(ctx, image); err != nil {
			log.WithError(err).Warn("failed to remove source image from daemon")
		}
	}

	succeeded = true
	return nil
}

// loadIntoDaemon hands the already-packed archive at outputTarPath back to
// the daemon under the squashed image's own id, or its first repo tag when
// one was recorded.
func loadIntoDaemon(ctx context.Context, outputTarPath string, res squash.Result, timeout int) error {
	outTag := "sha256:" + res.ImageID
	if len(res.RepoTags) > 0 {
		outTag = res.RepoTags[0]
	}

	outRef, err := name.ParseReference(outTag, name.WeakValidation)
	if err != nil {
		return fmt.Errorf("%w: parsing output reference %q: %v", squasherr.ErrInputInvalid, outTag, err)
	}

	img, err := daemon.FromArchive(outputTarPath)
	if err != nil {
		return err
	}

	return daemon.LoadArchive(ctx, outRef, img, secondsToDuration(timeout))
}

// resolveSource returns the reference and image for the requested source,
// whichever of image or inputTar was given.
func resolveSource(ctx context.Context, image, inputTar string, timeout int) (name.Reference, v1.Image, error) {
	if inputTar != "" {
		img, err := daemon.FromArchive(inputTar)
		if err != nil {
			return nil, nil, err
		}
		ref, err := name.ParseReference("squash-input:latest", name.WeakValidation)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", squasherr.ErrInternal, err)
		}
		return ref, img, nil
	}

	ref, err := name.ParseReference(image)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: parsing reference %q: %v", squasherr.ErrInputInvalid, image, err)
	}

	img, err := daemon.Resolve(ctx, image, secondsToDuration(timeout))
	if err != nil {
		return nil, nil, err
	}

	return ref, img, nil
}
