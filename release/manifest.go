// Package release implements the release store and Releaser (spec.md
// §4.4, C4 and C5): a filesystem-backed catalog of version directories,
// each holding a status.json manifest, and the four wire commands that
// expose approved versions and stream their files.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package release

import (
	"os"
	"path/filepath"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/NVIDIA/psvcd/internal/cos"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Status is a version's lifecycle stage (spec.md §3); transitions are
// forward-only: draft → approved → deprecated.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusApproved   Status = "approved"
	StatusDeprecated Status = "deprecated"
)

// FileEntry is one manifest file entry.
type FileEntry struct {
	Path     string `json:"path"`     // relative, slash-separated
	Size     int64  `json:"size"`     // bytes
	Checksum string `json:"checksum"` // "algo:hexdigest"
}

// Manifest is status.json's contents.
type Manifest struct {
	Version         string      `json:"version"`
	Status          Status      `json:"status"`
	BuildTime       time.Time   `json:"build_time"`
	Platform        string      `json:"platform"`
	Files           []FileEntry `json:"files"`
	ExcludePatterns []string    `json:"exclude_patterns,omitempty"`
	RollbackTarget  *string     `json:"rollback_target,omitempty"`
	ReleaseNotes    string      `json:"release_notes,omitempty"`
}

const manifestFileName = "status.json"

func manifestPath(versionDir string) string { return filepath.Join(versionDir, manifestFileName) }

// LoadManifest reads and parses status.json from versionDir.
func LoadManifest(versionDir string) (*Manifest, error) {
	data, err := os.ReadFile(manifestPath(versionDir))
	if err != nil {
		return nil, errors.Wrapf(err, "release: read manifest in %q", versionDir)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrapf(err, "release: parse manifest in %q", versionDir)
	}
	return &m, nil
}

// SaveManifest writes m to versionDir/status.json.
func SaveManifest(versionDir string, m *Manifest) error {
	if err := cos.CreateDir(versionDir); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.Wrap(err, "release: marshal manifest")
	}
	return os.WriteFile(manifestPath(versionDir), data, 0o644)
}

// TotalSize sums the manifest's file sizes.
func (m *Manifest) TotalSize() int64 {
	var total int64
	for _, f := range m.Files {
		total += f.Size
	}
	return total
}
