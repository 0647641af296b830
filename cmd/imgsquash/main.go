// Copyright 2023 Sylabs Inc. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Command imgsquash squashes the trailing layers of a container image
// archive into one, producing a byte-compatible Docker-legacy archive.
package main

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// version is set at release build time; left as a placeholder for
// development builds.
var version = "dev"

func main() {
	code := run(os.Args[1:], os.Stdout, os.Stderr)
	os.Exit(code)
}

func run(args []string, stdout, stderr io.Writer) int {
	cmd := newRootCommand(version)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	if err := cmd.Execute(); err != nil {
		if code, ok := exitCode(err); ok {
			return code
		}
		logrus.WithError(err).Error("squash failed")
		return 1
	}

	return 0
}

// exitCode maps errors the root command wants to signal through a specific
// process exit status, rather than the generic failure code.
func exitCode(err error) (int, bool) {
	if ec, ok := err.(interface{ ExitCode() int }); ok {
		return ec.ExitCode(), true
	}
	return 0, false
}
