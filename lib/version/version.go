// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/zeebo/blake3"
)

// These variables are set via -ldflags at build time, for example:
//
//	go build -ldflags "-X github.com/bureau-foundation/splicerelay/lib/version.GitCommit=$(git rev-parse --short HEAD)"
var (
	// GitCommit is the short git SHA of the build.
	GitCommit = "unknown"

	// GitDirty indicates whether there were uncommitted changes.
	GitDirty = "false"

	// BuildTime is the UTC timestamp of the build.
	BuildTime = "unknown"

	// Version is the semantic version. This is set manually for releases.
	Version = "0.1.0-dev"
)

// Info returns a formatted version string suitable for --version output.
func Info() string {
	dirty := ""
	if GitDirty == "true" {
		dirty = "-dirty"
	}
	return fmt.Sprintf("splicerelay %s (%s%s, %s)", Version, GitCommit, dirty, BuildTime)
}

// Full returns Info followed by the toolchain, platform and executable
// digest, one per line. A digest that cannot be computed is reported
// as unavailable rather than failing.
func Full() string {
	var builder strings.Builder
	builder.WriteString(Info())
	fmt.Fprintf(&builder, "\n  Go: %s\n  Platform: %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	if digest, _, err := SelfDigest(); err == nil {
		fmt.Fprintf(&builder, "\n  Binary: blake3:%s", digest)
	} else {
		builder.WriteString("\n  Binary: unavailable")
	}
	return builder.String()
}

// SelfDigest returns the hex BLAKE3 digest of the running executable
// and the path it was read from.
func SelfDigest() (digest string, binaryPath string, err error) {
	binaryPath, err = os.Executable()
	if err != nil {
		return "", "", fmt.Errorf("locating executable: %w", err)
	}
	digest, err = FileDigest(binaryPath)
	if err != nil {
		return "", binaryPath, err
	}
	return digest, binaryPath, nil
}

// FileDigest streams the file at path through BLAKE3 and returns the
// hex-encoded 32-byte digest.
func FileDigest(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer file.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
