/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package version

import (
	"bytes"
	"runtime"
	"runtime/debug"
	"strconv"
	"time"
)

const (
	DevelopmentVersion = "dev"
)

// Set at build time with -ldflags "-X github.com/dapgdb/dapgdb/internal/version.ProductVersion=...".
var (
	ProductVersion = DevelopmentVersion
	CommitHash     = ""
	BuildTimestamp = ""
)

type BuildTime struct {
	time.Time
}

func (t BuildTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}

	return []byte("\"" + t.Format(time.RFC3339) + "\""), nil
}

// UnmarshalJSON implements the json.Unmarshaler interface.
// The time is expected to be a quoted string in RFC 3339 format.
func (t *BuildTime) UnmarshalJSON(data []byte) error {
	// by convention, unmarshalers implement UnmarshalJSON([]byte("null")) as a no-op.
	if bytes.Equal(data, []byte("null")) {
		return nil
	}

	parsed, err := time.Parse("\""+time.RFC3339+"\"", string(data))
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

type VersionOutput struct {
	Version    string    `json:"version"`
	CommitHash string    `json:"commitHash,omitempty"`
	BuildTime  BuildTime `json:"buildTimestamp"`
	GoVersion  string    `json:"goVersion"`
	Platform   string    `json:"platform"`
}

func Version() VersionOutput {
	var buildTime time.Time
	if BuildTimestamp != "" {
		if parsedTimestamp, err := strconv.ParseInt(BuildTimestamp, 10, 64); err == nil {
			buildTime = time.Unix(parsedTimestamp, 0).UTC()
		} else if maybeTime, timeErr := time.Parse(time.RFC3339, BuildTimestamp); timeErr == nil {
			buildTime = maybeTime
		}
	}

	productVersion := ProductVersion
	if productVersion == "" {
		productVersion = DevelopmentVersion
	}

	commitHash := CommitHash
	if commitHash == "" {
		commitHash = vcsRevision()
	}

	return VersionOutput{
		Version:    productVersion,
		CommitHash: commitHash,
		BuildTime:  BuildTime{buildTime},
		GoVersion:  runtime.Version(),
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// vcsRevision returns the revision the Go toolchain stamped into the binary, if any.
func vcsRevision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" {
			return setting.Value
		}
	}
	return ""
}
