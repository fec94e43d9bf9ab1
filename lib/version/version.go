// Copyright 2026 The Interactive Shell Authors
// SPDX-License-Identifier: Apache-2.0

// Package version exposes the build version string.
package version

// Version is set at build time via
// -ldflags "-X .../lib/version.Version=v1.2.3".
var Version = "dev"

// Info returns the version string for --version output.
func Info() string { return Version }
