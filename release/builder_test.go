package release_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/NVIDIA/psvcd/release"
)

func TestBuildAppliesExcludePatterns(t *testing.T) {
	src := t.TempDir()
	files := map[string]string{
		"keep.txt":        "keep",
		"skip.tmp":        "skip",
		"nested/keep.go":  "keep2",
		"nested/skip.tmp": "skip2",
	}
	for name, content := range files {
		path := filepath.Join(src, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	root := t.TempDir()
	store := release.NewStore(root)
	b := &release.Builder{Store: store}
	m, err := b.Build(release.BuildOpts{
		Version:         "1.0.0",
		SourceDir:       src,
		ExcludePatterns: []string{"*.tmp"},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if m.Status != release.StatusDraft {
		t.Fatalf("status = %s, want draft", m.Status)
	}
	if len(m.Files) != 2 {
		t.Fatalf("got %d files, want 2 (exclude patterns not applied): %+v", len(m.Files), m.Files)
	}
	for _, fe := range m.Files {
		if filepath.Ext(fe.Path) == ".tmp" {
			t.Fatalf("excluded file %q present in manifest", fe.Path)
		}
	}
}

func TestBuildRejectsInvalidVersion(t *testing.T) {
	store := release.NewStore(t.TempDir())
	b := &release.Builder{Store: store}
	if _, err := b.Build(release.BuildOpts{Version: "not-a-version", SourceDir: t.TempDir()}); err == nil {
		t.Fatal("Build with invalid version succeeded, want error")
	}
}
