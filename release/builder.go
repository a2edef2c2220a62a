package release

import (
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/pkg/errors"

	"github.com/NVIDIA/psvcd/internal/checksum"
	"github.com/NVIDIA/psvcd/internal/version"
)

// Builder materializes a draft version directory from a source tree,
// applying exclude patterns before hashing — a supplement from the
// original source (SPEC_FULL §3: builder.py glob-filters before hashing).
type Builder struct {
	Store    *Store
	Checksum string // algorithm name; checksum.Default if empty
}

// BuildOpts configures one build invocation (mirrors the `build` CLI mode,
// spec.md §6: -v VERSION [-f SPEC] [-p RELEASE_PATH] [-e PATTERN...]).
type BuildOpts struct {
	Version         string
	SourceDir       string
	ExcludePatterns []string
	ReleaseNotes    string
}

// Build walks opts.SourceDir, skipping files matched by any exclude
// pattern, computes a checksum for each surviving file, and writes a
// fresh draft status.json. Build from inside a frozen/bundled binary is
// forbidden (spec.md §6 exit code 2); that check lives in cmd/psvcd, which
// knows whether it is running bundled.
func (b *Builder) Build(opts BuildOpts) (*Manifest, error) {
	if _, err := version.Parse(opts.Version); err != nil {
		return nil, err
	}
	algo := b.Checksum
	if algo == "" {
		algo = checksum.Default
	}

	var files []FileEntry
	err := filepath.WalkDir(opts.SourceDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(opts.SourceDir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if matchesAny(opts.ExcludePatterns, rel) {
			return nil
		}
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		sum, err := checksum.Sum(algo, f)
		if err != nil {
			return err
		}
		files = append(files, FileEntry{Path: rel, Size: info.Size(), Checksum: sum})
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "release: build %q", opts.Version)
	}

	m := &Manifest{
		Version:         opts.Version,
		Status:          StatusDraft,
		BuildTime:       time.Now().UTC(),
		Platform:        runtime.GOOS,
		Files:           files,
		ExcludePatterns: opts.ExcludePatterns,
		ReleaseNotes:    opts.ReleaseNotes,
	}
	if err := SaveManifest(b.Store.versionDir(opts.Version), m); err != nil {
		return nil, err
	}
	for _, fe := range files {
		src := filepath.Join(opts.SourceDir, filepath.FromSlash(fe.Path))
		dst := b.Store.FilePath(opts.Version, fe)
		if src == dst {
			continue
		}
		if err := copyInto(src, dst); err != nil {
			return nil, errors.Wrapf(err, "release: stage build file %q", fe.Path)
		}
	}
	return m, nil
}

func matchesAny(patterns []string, rel string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, rel); ok {
			return true
		}
		if ok, _ := filepath.Match(p, filepath.Base(rel)); ok {
			return true
		}
	}
	return false
}

func copyInto(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
