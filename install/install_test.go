package install_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/NVIDIA/psvcd/install"
)

func TestNormalizeArgvStripsModeAndOptions(t *testing.T) {
	argv := []string{"psvcd", "build", "-v", "1.0.0", "-p", "/releases", "-a"}
	got := install.NormalizeArgv(argv)
	want := []string{"psvcd"}
	if len(got) != len(want) {
		t.Fatalf("NormalizeArgv(%v) = %v, want %v", argv, got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("NormalizeArgv(%v) = %v, want %v", argv, got, want)
		}
	}
}

func TestBackupCopiesExistingFilesExcludingPriorBackups(t *testing.T) {
	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "psvcd"), "binary-content")
	mustWrite(t, filepath.Join(root, "lib", "module.txt"), "module-content")
	mustWrite(t, filepath.Join(root, "backup_20200101T000000Z", "stale"), "old-backup")

	o := install.New(root)
	backupDir, err := o.Backup()
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}

	mustContain(t, filepath.Join(backupDir, "psvcd"), "binary-content")
	mustContain(t, filepath.Join(backupDir, "lib", "module.txt"), "module-content")
	if _, err := os.Stat(filepath.Join(backupDir, "backup_20200101T000000Z")); err == nil {
		t.Fatal("Backup copied a prior backup_ directory, want it excluded")
	}
}

func TestDeployWritesStageIntoInstallRoot(t *testing.T) {
	root := t.TempDir()
	stage := t.TempDir()
	mustWrite(t, filepath.Join(stage, "bin", "psvcd"), "new-binary")
	mustWrite(t, filepath.Join(stage, install.SavedArgsFileName), `{"argv":["psvcd"]}`)

	o := install.New(root)
	if err := o.Deploy(stage); err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, install.SavedArgsFileName)); err == nil {
		t.Fatal("Deploy copied saved_args.json into install root, want it excluded")
	}
	// On POSIX this lands directly on the target; on Windows at <target>.new.
	direct := filepath.Join(root, "bin", "psvcd")
	suffixed := direct + ".new"
	if !fileExists(direct) && !fileExists(suffixed) {
		t.Fatalf("Deploy did not write bin/psvcd (direct or .new) under %q", root)
	}
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func mustContain(t *testing.T, path, want string) {
	t.Helper()
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %q: %v", path, err)
	}
	if string(got) != want {
		t.Fatalf("%q content = %q, want %q", path, got, want)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
