// Copyright 2023 Sylabs Inc. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package squash drives the layer squash end to end: it opens an unpacked
// source archive, partitions its layers, merges the squashed portion,
// recomputes the digest chain, assembles the new metadata documents, and
// packs the result. It is the single entry point the CLI calls, mirroring
// the teacher's Apply(base, mutations...) facade style.
package squash

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/sirupsen/logrus"

	"github.com/container-squash/imgsquash/pkg/chainid"
	"github.com/container-squash/imgsquash/pkg/imagesrc"
	"github.com/container-squash/imgsquash/pkg/layerselect"
	"github.com/container-squash/imgsquash/pkg/metadata"
	"github.com/container-squash/imgsquash/pkg/ojson"
	"github.com/container-squash/imgsquash/pkg/squashengine"
	"github.com/container-squash/imgsquash/pkg/workspace"
	"github.com/container-squash/imgsquash/squasherr"
)

// Options configures one squash run.
type Options struct {
	Selector layerselect.Selector
	// Comment is recorded on the new history entry.
	Comment string
	// Tag, if non-empty, is "name[:tag]" and replaces the source image's
	// own repo tags in the output manifest and repositories file. If
	// empty, the source's own tags (if any) are kept.
	Tag string
	// Now supplies the run's timestamp, formatted by metadata.Now. Passed
	// in rather than read internally so a run is reproducible in tests.
	Now string

	Logger *logrus.Entry
}

// Result reports what a run produced.
type Result struct {
	// ImageID is the hex SHA-256 id of the new image config.
	ImageID string
	// RepoTags are the tags recorded on the output manifest, if any.
	RepoTags []string
	// LayersMoved and LayersSquashed count the pre-partition layer list.
	LayersMoved    int
	LayersSquashed int
	// SquashedLayerCreated reports whether a new layer directory was
	// written: false when every squashed layer was itself empty.
	SquashedLayerCreated bool
}

// Run executes the squash against the source archive already unpacked at
// ws.Source, writing the assembled output tree under ws.Output. It does not
// pack ws.Output into a tar; callers do that themselves (see
// archive.PackDir) once they've decided the run succeeded.
//
// A Selector that resolves to one or zero layers to squash is not an error
// in the usual sense: Run returns squasherr.ErrSquashUnnecessary, and
// callers should treat that as a clean, non-zero-content exit rather than a
// failure.
func Run(ws *workspace.Workspace, opts Options) (Result, error) {
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "squash")

	img, err := imagesrc.Open(ws.Source)
	if err != nil {
		return Result{}, fmt.Errorf("opening source image: %w", err)
	}

	ids := imagesrc.IDs(img.Layers)
	sel, err := layerselect.Select(ids, opts.Selector)
	if err != nil {
		return Result{}, err
	}

	log.WithFields(logrus.Fields{
		"layers_moved":  len(sel.ToMove),
		"layers_squash": len(sel.ToSquash),
		"squash_id":     sel.SquashID,
	}).Info("partitioned layers")

	movedTarPaths := imagesrc.TarPaths(img.Layers, sel.ToMove)
	squashTarPaths := imagesrc.TarPaths(img.Layers, sel.ToSquash)

	filesInToMove, err := squashengine.FilesInLayers(movedTarPaths)
	if err != nil {
		return Result{}, fmt.Errorf("scanning moved layers: %w", err)
	}

	squashedTarPath := filepath.Join(ws.Root, "squashed.tar")
	membersWritten, diffID, err := writeSquashedTar(squashedTarPath, squashTarPaths, filesInToMove)
	if err != nil {
		return Result{}, err
	}

	log.WithField("members_written", membersWritten).Debug("merged squashed layers")

	squashedDiffID := ""
	if membersWritten > 0 {
		squashedDiffID = diffID
	}

	oldDiffIDs, err := oldRootfsDiffIDs(img.OldConfig)
	if err != nil {
		return Result{}, err
	}
	if len(movedTarPaths) > len(oldDiffIDs) {
		return Result{}, fmt.Errorf("%w: old config lists %d diff-ids, fewer than the %d moved layers", squasherr.ErrInputInvalid, len(oldDiffIDs), len(movedTarPaths))
	}
	movedDiffIDs := oldDiffIDs[:len(movedTarPaths)]

	chainDiffIDs := append([]string(nil), movedDiffIDs...)
	if squashedDiffID != "" {
		chainDiffIDs = append(chainDiffIDs, squashedDiffID)
	}

	var finalChainID string
	if chains := chainid.ChainIDs(chainDiffIDs); len(chains) > 0 {
		finalChainID = chains[len(chains)-1]
	}

	parentPathID := ""
	if sel.SquashID != "" {
		parentPathID = metadata.PathID(sel.SquashID)
	}

	now := opts.Now

	repoTags := img.Manifest.RepoTags
	repoName, repoTag := "", ""
	if opts.Tag != "" {
		repoName, repoTag, err = splitTag(opts.Tag)
		if err != nil {
			return Result{}, err
		}
		repoTags = []string{opts.Tag}
	} else if len(repoTags) > 0 {
		repoName, repoTag, err = splitTag(repoTags[0])
		if err != nil {
			log.WithError(err).Warn("source repo tag could not be parsed, repositories file will be skipped")
			repoName, repoTag = "", ""
		}
	}

	newConfig := metadata.NewImageConfig(img.OldConfig, metadata.NewImageConfigInput{
		Comment:        opts.Comment,
		Created:        now,
		SquashID:       sel.SquashID,
		HistoryLen:     len(sel.ToMove),
		DiffIDLen:      len(movedTarPaths),
		SquashedDiffID: squashedDiffID,
	})
	imageID, imageIDBytes := metadata.ImageID(newConfig)

	if err := workspace.WriteFileAtomic(filepath.Join(ws.Output, imageID+".json"), imageIDBytes, 0o644); err != nil {
		return Result{}, err
	}

	manifestLayers := movedLayerRefs(img, sel.ToMove)
	for _, ref := range manifestLayers {
		if err := workspace.CopyFile(filepath.Join(ws.Output, filepath.FromSlash(ref)), img.Layout.ResolveLayerPath(ref)); err != nil {
			return Result{}, err
		}
	}

	squashedLayerCreated := false

	if membersWritten > 0 {
		dirID, err := assembleSquashedLayer(img, sel, ws, now, finalChainID, parentPathID, squashedTarPath)
		if err != nil {
			return Result{}, err
		}
		manifestLayers = append(manifestLayers, dirID+"/layer.tar")
		squashedLayerCreated = true
	}

	manifestBytes := metadata.ManifestDocument(metadata.ManifestInput{
		ConfigPath: imageID + ".json",
		RepoTags:   repoTags,
		Layers:     manifestLayers,
	})
	if err := workspace.WriteFileAtomic(filepath.Join(ws.Output, "manifest.json"), manifestBytes, 0o644); err != nil {
		return Result{}, err
	}

	if repositories := metadata.RepositoriesDocument(repoName, repoTag, lastPathComponent(manifestLayers)); repositories != nil {
		if err := workspace.WriteFileAtomic(filepath.Join(ws.Output, "repositories"), repositories, 0o644); err != nil {
			return Result{}, err
		}
	}

	log.WithField("image_id", imageID).Info("squash complete")

	return Result{
		ImageID:              imageID,
		RepoTags:             repoTags,
		LayersMoved:          len(sel.ToMove),
		LayersSquashed:       len(sel.ToSquash),
		SquashedLayerCreated: squashedLayerCreated,
	}, nil
}

// writeSquashedTar merges toSquash (oldest to newest) into a tar at path and
// returns the member count squashengine reported plus the tar's own
// diff-id, computed regardless of emptiness since the file always exists
// once Squash returns successfully.
func writeSquashedTar(path string, toSquash []string, filesInToMove map[string]bool) (int, string, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, "", fmt.Errorf("%w: creating %s: %v", squasherr.ErrInternal, path, err)
	}
	defer f.Close()

	n, err := squashengine.Squash(f, toSquash, filesInToMove)
	if err != nil {
		return 0, "", fmt.Errorf("squashing layers: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, "", fmt.Errorf("%w: closing squashed tar: %v", squasherr.ErrInternal, err)
	}

	diffID, err := chainid.DiffID(path)
	if err != nil {
		return 0, "", fmt.Errorf("hashing squashed tar: %w", err)
	}

	return n, diffID, nil
}

// assembleSquashedLayer writes the new layer directory (VERSION, json,
// layer.tar) under ws.Output and returns its v1-compat directory id.
func assembleSquashedLayer(img *imagesrc.Image, sel layerselect.Result, ws *workspace.Workspace, now, chainID, parentPathID, squashedTarPath string) (string, error) {
	dirID, _ := metadata.SquashedLayerDirID(img.OldConfig, metadata.SquashedLayerDirIDInput{
		Created:      now,
		ChainID:      chainID,
		ParentPathID: parentPathID,
		SquashID:     sel.SquashID,
	})

	base := baseLayerConfig(img, sel)

	layerJSON := metadata.SquashedLayerJSON(base, metadata.SquashedLayerJSONInput{
		Created:      now,
		ParentPathID: parentPathID,
		SquashID:     sel.SquashID,
		DirID:        dirID,
	})

	dir := filepath.Join(ws.Output, dirID)

	if err := workspace.WriteFileAtomic(filepath.Join(dir, "VERSION"), []byte(metadata.VersionFileContent), 0o644); err != nil {
		return "", err
	}
	if err := workspace.WriteFileAtomic(filepath.Join(dir, "json"), layerJSON, 0o644); err != nil {
		return "", err
	}
	if err := workspace.CopyFile(filepath.Join(dir, "layer.tar"), squashedTarPath); err != nil {
		return "", err
	}

	return dirID, nil
}

// baseLayerConfig returns the per-layer config of the newest (topmost)
// layer among sel.ToSquash: the squash-base layer whose own fields seed the
// new squashed layer's json file.
func baseLayerConfig(img *imagesrc.Image, sel layerselect.Result) *ojson.Object {
	if len(sel.ToSquash) == 0 {
		return ojson.NewObject()
	}

	topID := sel.ToSquash[len(sel.ToSquash)-1]
	for _, rec := range img.Layers {
		if rec.ID == topID {
			obj, err := img.LayerMetadata(rec)
			if err != nil {
				return ojson.NewObject()
			}
			return obj
		}
	}

	return ojson.NewObject()
}

// movedLayerRefs returns the manifest "<hex>/layer.tar"-style refs of the
// non-virtual layers among ids, in order, for the output manifest's Layers
// field.
func movedLayerRefs(img *imagesrc.Image, ids []string) []string {
	byID := make(map[string]imagesrc.LayerRecord, len(img.Layers))
	for _, rec := range img.Layers {
		byID[rec.ID] = rec
	}

	out := make([]string, 0, len(ids))
	for _, id := range ids {
		rec, ok := byID[id]
		if !ok || rec.IsVirtual() {
			continue
		}
		out = append(out, rec.Ref)
	}
	return out
}

// oldRootfsDiffIDs extracts rootfs.diff_ids from the old image config as
// bare hex strings, in order.
func oldRootfsDiffIDs(cfg *ojson.Object) ([]string, error) {
	rootfsVal, ok := cfg.Get("rootfs")
	if !ok {
		return nil, nil
	}
	rootfs, ok := rootfsVal.(*ojson.Object)
	if !ok {
		return nil, fmt.Errorf("%w: rootfs is not an object", squasherr.ErrInputInvalid)
	}

	diffIDsVal, ok := rootfs.Get("diff_ids")
	if !ok {
		return nil, nil
	}
	arr, ok := diffIDsVal.(ojson.Array)
	if !ok {
		return nil, fmt.Errorf("%w: rootfs.diff_ids is not an array", squasherr.ErrInputInvalid)
	}

	out := make([]string, len(arr))
	for i, v := range arr {
		s, ok := v.(ojson.String)
		if !ok {
			return nil, fmt.Errorf("%w: rootfs.diff_ids entry is not a string", squasherr.ErrInputInvalid)
		}
		out[i] = metadata.PathID(string(s))
	}
	return out, nil
}

// splitTag parses "name[:tag]" into its repository and tag components,
// defaulting to "latest" the way docker image references do.
func splitTag(s string) (repo, tag string, err error) {
	full := s
	if !strings.Contains(afterLastSlash(full), ":") {
		full += ":latest"
	}

	ref, err := name.NewTag(full, name.WeakValidation)
	if err != nil {
		return "", "", fmt.Errorf("%w: parsing tag %q: %v", squasherr.ErrInputInvalid, s, err)
	}
	return ref.RepositoryStr(), ref.TagStr(), nil
}

func afterLastSlash(s string) string {
	if i := strings.LastIndexByte(s, '/'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// lastPathComponent returns the directory id of the newest layer recorded
// in layers ("<dir-id>/layer.tar"), or "" if layers is empty, for the
// repositories file's value.
func lastPathComponent(layers []string) string {
	if len(layers) == 0 {
		return ""
	}
	last := layers[len(layers)-1]
	return strings.TrimSuffix(last, "/layer.tar")
}

