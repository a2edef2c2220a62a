package update_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/NVIDIA/psvcd/command"
	"github.com/NVIDIA/psvcd/endpoint"
	"github.com/NVIDIA/psvcd/internal/checksum"
	"github.com/NVIDIA/psvcd/internal/version"
	"github.com/NVIDIA/psvcd/release"
	"github.com/NVIDIA/psvcd/update"
)

func buildApprovedVersion(t *testing.T, releaseRoot, v string, files map[string][]byte) {
	t.Helper()
	src := t.TempDir()
	for name, content := range files {
		path := filepath.Join(src, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, content, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	store := release.NewStore(releaseRoot)
	b := &release.Builder{Store: store, Checksum: checksum.SHA256}
	if _, err := b.Build(release.BuildOpts{Version: v, SourceDir: src}); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := store.Approve(v, ""); err != nil {
		t.Fatalf("Approve: %v", err)
	}
}

func connectPair(t *testing.T) (serverEp, clientEp *endpoint.Endpoint, clientSerial int64) {
	t.Helper()
	serverEp = endpoint.New(nil, 0)
	lnSerial, err := serverEp.Bind("127.0.0.1", 0)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	port := serverEp.ListenerPort(lnSerial)
	time.Sleep(time.Millisecond)

	clientEp = endpoint.New(nil, 0)
	clientSerial, err = clientEp.Connect("127.0.0.1", port)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	time.Sleep(time.Millisecond)
	return serverEp, clientEp, clientSerial
}

func TestFetchVersionsAndCheckUpdate(t *testing.T) {
	releaseRoot := t.TempDir()
	buildApprovedVersion(t, releaseRoot, "0.9.0", map[string][]byte{"a.txt": []byte("a")})
	buildApprovedVersion(t, releaseRoot, "1.0.0", map[string][]byte{"a.txt": []byte("aa")})

	store := release.NewStore(releaseRoot)
	serverEp, clientEp, clientSerial := connectPair(t)
	defer serverEp.CloseAll()
	defer clientEp.CloseAll()

	serverDisp := command.New(serverEp)
	if _, err := release.NewReleaser(store, serverDisp); err != nil {
		t.Fatalf("NewReleaser: %v", err)
	}
	go serverDisp.ReceiveLoop(context.Background())

	clientDisp := command.New(clientEp)
	u, err := update.New(clientDisp, version.MustParse("0.9.0"), t.TempDir())
	if err != nil {
		t.Fatalf("update.New: %v", err)
	}
	go clientDisp.ReceiveLoop(context.Background())

	versions, err := u.FetchVersions(clientSerial)
	if err != nil {
		t.Fatalf("FetchVersions: %v", err)
	}
	if len(versions) != 2 || versions[0] != "0.9.0" || versions[1] != "1.0.0" {
		t.Fatalf("FetchVersions = %v, want [0.9.0 1.0.0]", versions)
	}

	newer, err := u.CheckUpdate(clientSerial)
	if err != nil {
		t.Fatalf("CheckUpdate: %v", err)
	}
	if !newer {
		t.Fatal("CheckUpdate = false, want true (0.9.0 is older than latest 1.0.0)")
	}
}

func TestDownloadUpdateVerifiesFiles(t *testing.T) {
	releaseRoot := t.TempDir()
	files := map[string][]byte{
		"bin/psvcd": make([]byte, 2048),
		"README.md": []byte("notes"),
	}
	buildApprovedVersion(t, releaseRoot, "1.0.0", files)

	store := release.NewStore(releaseRoot)
	serverEp, clientEp, clientSerial := connectPair(t)
	defer serverEp.CloseAll()
	defer clientEp.CloseAll()

	serverDisp := command.New(serverEp)
	if _, err := release.NewReleaser(store, serverDisp); err != nil {
		t.Fatalf("NewReleaser: %v", err)
	}
	go serverDisp.ReceiveLoop(context.Background())

	clientDisp := command.New(clientEp)
	updatePath := t.TempDir()
	u, err := update.New(clientDisp, version.MustParse("0.1.0"), updatePath)
	if err != nil {
		t.Fatalf("update.New: %v", err)
	}
	go clientDisp.ReceiveLoop(context.Background())

	got, err := u.DownloadUpdate("1.0.0", clientSerial)
	if err != nil {
		t.Fatalf("DownloadUpdate: %v", err)
	}
	if got != "1.0.0" {
		t.Fatalf("DownloadUpdate returned %q, want 1.0.0", got)
	}

	for name, content := range files {
		path := filepath.Join(updatePath, "1.0.0", filepath.FromSlash(name))
		got, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read staged %q: %v", path, err)
		}
		if len(got) != len(content) {
			t.Fatalf("staged %q length = %d, want %d", name, len(got), len(content))
		}
	}
}

func TestDownloadUpdateUnapprovedVersionFails(t *testing.T) {
	releaseRoot := t.TempDir()
	buildApprovedVersion(t, releaseRoot, "1.0.0", map[string][]byte{"a.txt": []byte("a")})

	store := release.NewStore(releaseRoot)
	serverEp, clientEp, clientSerial := connectPair(t)
	defer serverEp.CloseAll()
	defer clientEp.CloseAll()

	serverDisp := command.New(serverEp)
	if _, err := release.NewReleaser(store, serverDisp); err != nil {
		t.Fatalf("NewReleaser: %v", err)
	}
	go serverDisp.ReceiveLoop(context.Background())

	clientDisp := command.New(clientEp)
	u, err := update.New(clientDisp, version.MustParse("0.1.0"), t.TempDir())
	if err != nil {
		t.Fatalf("update.New: %v", err)
	}
	go clientDisp.ReceiveLoop(context.Background())

	if _, err := u.DownloadUpdate("9.9.9", clientSerial); err == nil {
		t.Fatal("DownloadUpdate of unapproved version succeeded, want error")
	}
}

func TestSecondOutstandingRequestOfSameKindIsStateError(t *testing.T) {
	_, clientEp, clientSerial := connectPair(t)
	defer clientEp.CloseAll()

	clientDisp := command.New(clientEp)
	u, err := update.New(clientDisp, version.MustParse("0.1.0"), t.TempDir())
	if err != nil {
		t.Fatalf("update.New: %v", err)
	}
	u.SetMetadataTimeout(50 * time.Millisecond)

	errs := make(chan error, 1)
	go func() {
		_, err := u.FetchVersions(clientSerial)
		errs <- err
	}()
	time.Sleep(10 * time.Millisecond)
	_, err = u.FetchVersions(clientSerial)
	if err == nil {
		t.Fatal("second concurrent FetchVersions succeeded, want StateError")
	}

	select {
	case firstErr := <-errs:
		if firstErr == nil {
			t.Fatal("first FetchVersions succeeded with no server replying, want timeout error")
		}
	case <-time.After(time.Second):
		t.Fatal("first FetchVersions did not return within 1s of its shortened timeout")
	}
}
