// Copyright 2023 Sylabs Inc. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package chainid computes diff-ids (the SHA-256 of a layer's uncompressed
// tar bytes) and chain-ids (a recursive hash binding a layer's diff-id to
// all of its ancestors' diff-ids).
package chainid

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	digest "github.com/opencontainers/go-digest"

	"github.com/container-squash/imgsquash/pkg/archive"
)

// DiffID returns the hex SHA-256 digest of the tar file at path.
func DiffID(path string) (string, error) {
	return archive.SHA256OfFile(path)
}

// DiffIDsConcurrent computes the diff-id of each path in paths, in order,
// parallelizing the hashing across a bounded worker pool since each hash
// reads a distinct file.
func DiffIDsConcurrent(paths []string) ([]string, error) {
	out := make([]string, len(paths))
	errs := make([]error, len(paths))

	const maxWorkers = 4
	sem := make(chan struct{}, maxWorkers)
	var wg sync.WaitGroup

	for i, p := range paths {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, p string) {
			defer wg.Done()
			defer func() { <-sem }()
			out[i], errs[i] = DiffID(p)
		}(i, p)
	}

	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	return out, nil
}

// ChainIDs returns, for each index k, the chain-id binding diffIDs[0..k].
// chain_0 = diffIDs[0]; chain_k = sha256_hex("sha256:" + chain_{k-1} + "
// sha256:" + diffIDs[k]) for k >= 1. The recursion in the reference
// implementation is unrolled into an explicit loop here since its depth is
// bounded by the layer count but not in principle.
func ChainIDs(diffIDs []string) []string {
	if len(diffIDs) == 0 {
		return nil
	}

	chains := make([]string, len(diffIDs))
	chains[0] = diffIDs[0]

	for k := 1; k < len(diffIDs); k++ {
		chains[k] = combine(chains[k-1], diffIDs[k])
	}

	return chains
}

func combine(parentChain, diffID string) string {
	toHash := fmt.Sprintf("%s:%s %s:%s", digest.SHA256, parentChain, digest.SHA256, diffID)
	sum := sha256.Sum256([]byte(toHash))
	return hex.EncodeToString(sum[:])
}
