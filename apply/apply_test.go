package apply_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/NVIDIA/psvcd/apply"
	"github.com/NVIDIA/psvcd/install"
)

func writeStage(t *testing.T, updatePath, v string, argv []string, files map[string]string) string {
	t.Helper()
	stage := filepath.Join(updatePath, v)
	for name, content := range files {
		path := filepath.Join(stage, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	o := install.New(t.TempDir())
	if err := o.WriteSavedArgs(stage, argv); err != nil {
		t.Fatal(err)
	}
	return stage
}

func TestLocateStagePicksHighestVersion(t *testing.T) {
	updatePath := t.TempDir()
	writeStage(t, updatePath, "0.9.0", []string{"psvcd", "run"}, map[string]string{"bin/psvcd": "old"})
	writeStage(t, updatePath, "1.0.0", []string{"psvcd", "run"}, map[string]string{"bin/psvcd": "new"})

	got, err := apply.LocateStage(updatePath)
	if err != nil {
		t.Fatalf("LocateStage: %v", err)
	}
	want := filepath.Join(updatePath, "1.0.0")
	if got != want {
		t.Fatalf("LocateStage = %q, want %q", got, want)
	}
}

func TestLocateStageIgnoresDirsWithoutSavedArgs(t *testing.T) {
	updatePath := t.TempDir()
	if err := os.MkdirAll(filepath.Join(updatePath, "2.0.0"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeStage(t, updatePath, "1.0.0", []string{"psvcd", "run"}, map[string]string{"bin/psvcd": "v1"})

	got, err := apply.LocateStage(updatePath)
	if err != nil {
		t.Fatalf("LocateStage: %v", err)
	}
	want := filepath.Join(updatePath, "1.0.0")
	if got != want {
		t.Fatalf("LocateStage = %q, want %q (dir without saved_args.json must be skipped)", got, want)
	}
}

func TestLocateStageErrorsOnEmptyUpdatePath(t *testing.T) {
	if _, err := apply.LocateStage(t.TempDir()); err == nil {
		t.Fatal("LocateStage on empty update path succeeded, want error")
	}
}
