// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for splicerelay.
//
// Configuration is loaded from a single file specified by either the
// SPLICERELAY_CONFIG environment variable (via [Load]) or a --config
// flag (via [LoadFile]). There are no fallbacks, no ~/.config
// discovery, and no automatic file search.
//
// Sizes are written in human-readable form and parsed with go-humanize
// (chunk_size: 64MiB). Durations use Go syntax (timeout: 5s).
// ${VAR} and ${VAR:-default} patterns are expanded in the listen and
// upstream addresses. No other environment variables override config
// values.
//
// Key exports:
//
//   - [Config] -- master struct with Listen, Upstream, Relay, Dial, Log
//   - [Default] -- returns a Config with the defaults
//   - [Load] and [LoadFile] -- the two entry points for loading
//
// This package depends on no other splicerelay packages.
package config
